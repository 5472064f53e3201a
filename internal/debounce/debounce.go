// Package debounce turns periodic raw samples into stable logical levels.
//
// Each channel keeps a candidate level and a count of consecutive samples
// that agreed with it. When the count reaches the threshold and the candidate
// differs from the committed level, the candidate is committed and a
// transition is reported. A channel starts out unknown: its first stable
// level is committed silently.
package debounce

// Transition is a committed level change on one channel.
type Transition struct {
	Channel int
	Level   bool
}

type channel struct {
	known     bool
	level     bool
	candidate bool
	count     int
}

// Filter debounces a fixed set of channels. Not safe for concurrent use.
type Filter struct {
	threshold int
	chans     []channel
}

// New returns a filter for n channels needing threshold agreeing samples.
// A threshold below 1 is treated as 1.
func New(n, threshold int) *Filter {
	if threshold < 1 {
		threshold = 1
	}
	return &Filter{threshold: threshold, chans: make([]channel, n)}
}

// Threshold returns the number of agreeing samples needed to commit.
func (f *Filter) Threshold() int { return f.threshold }

// Sample feeds one raw reading for ch. It returns the committed level and
// whether this sample produced a transition.
func (f *Filter) Sample(ch int, raw bool) (bool, bool) {
	c := &f.chans[ch]
	if c.count == 0 || raw != c.candidate {
		c.candidate = raw
		c.count = 1
	} else if c.count < f.threshold {
		c.count++
	}
	if c.count < f.threshold {
		return c.level, false
	}
	if !c.known {
		c.known, c.level = true, c.candidate
		return c.level, false
	}
	if c.candidate == c.level {
		return c.level, false
	}
	c.level = c.candidate
	return c.level, true
}

// SampleWord feeds a 16-bit port reading for channels base..base+15, bit i
// mapping to channel base+i. Transitions are appended to out in channel
// order.
func (f *Filter) SampleWord(base int, word uint16, out []Transition) []Transition {
	for i := 0; i < 16 && base+i < len(f.chans); i++ {
		if level, changed := f.Sample(base+i, word&(1<<i) != 0); changed {
			out = append(out, Transition{Channel: base + i, Level: level})
		}
	}
	return out
}

// Level returns the committed level of ch and whether one has been seeded.
func (f *Filter) Level(ch int) (level, known bool) {
	c := f.chans[ch]
	return c.level, c.known
}

// Known reports whether every channel has a committed level.
func (f *Filter) Known() bool {
	for _, c := range f.chans {
		if !c.known {
			return false
		}
	}
	return true
}

// Reset forgets all committed levels.
func (f *Filter) Reset() {
	for i := range f.chans {
		f.chans[i] = channel{}
	}
}
