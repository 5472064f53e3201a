package frame

import (
	"bufio"
	"io"
)

// Host stream framing: every frame is preceded by a two byte sync marker and
// a length byte.
//
//	'!' '|' len payload[len]
//
// A reader that meets garbage or a bad length skips forward to the next
// marker.
const (
	syncA byte = '!'
	syncB byte = '|'

	// MaxStreamPayload bounds the length byte.
	MaxStreamPayload = 16
)

// StreamWriter frames outgoing frames onto a byte stream.
type StreamWriter struct {
	w io.Writer
}

// NewStreamWriter wraps w.
func NewStreamWriter(w io.Writer) *StreamWriter { return &StreamWriter{w: w} }

// WriteFrame writes one framed frame in a single Write call.
func (sw *StreamWriter) WriteFrame(f Frame) error {
	payload := Encode(f)
	buf := make([]byte, 0, 3+len(payload))
	buf = append(buf, syncA, syncB, byte(len(payload)))
	buf = append(buf, payload...)
	_, err := sw.w.Write(buf)
	return err
}

// StreamReader recovers frames from a byte stream.
type StreamReader struct {
	r *bufio.Reader
}

// NewStreamReader wraps r.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next frame. Errors matching fault.MalformedFrame mean
// one frame was dropped and the stream is still usable; any other error comes
// from the underlying reader.
func (sr *StreamReader) ReadFrame() (Frame, error) {
	if err := sr.sync(); err != nil {
		return Frame{}, err
	}
	n, err := sr.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	if n == 0 || n > MaxStreamPayload {
		// The rejected byte may start the next marker.
		sr.r.UnreadByte()
		return Frame{}, malformed("stream length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(sr.r, payload); err != nil {
		return Frame{}, err
	}
	return Decode(payload)
}

// sync consumes bytes up to and including the next "!|" marker.
func (sr *StreamReader) sync() error {
	prev := byte(0)
	for {
		b, err := sr.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == syncA && b == syncB {
			return nil
		}
		prev = b
	}
}
