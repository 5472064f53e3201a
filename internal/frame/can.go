package frame

import "encoding/binary"

// CAN mapping: the 11-bit standard identifier carries type and address,
// TTTTTAAAAAA, so lower types win arbitration. The data field carries the
// rest of the frame:
//
//	[channel, action, ts0, ts1, ts2, ts3, param?]
const (
	canAddrBits = 6
	canAddrMask = 0x3F
	canTypeMask = 0x1F
	canIDMask   = 0x7FF

	canDataLen          = 6
	canDataLenWithParam = 7
)

// CANID returns the 11-bit identifier for f.
func CANID(f Frame) uint16 {
	return uint16(f.Type&canTypeMask)<<canAddrBits | uint16(f.Addr&canAddrMask)
}

// MarshalCAN splits f into identifier and payload.
func MarshalCAN(f Frame) (uint16, []byte) {
	n := canDataLen
	if f.HasParam {
		n = canDataLenWithParam
	}
	data := make([]byte, n)
	data[0] = f.Channel
	data[1] = f.Action
	binary.LittleEndian.PutUint32(data[2:6], f.Timestamp)
	if f.HasParam {
		data[6] = f.Param
	}
	return CANID(f), data
}

// UnmarshalCAN rebuilds a frame from a received CAN identifier and payload.
func UnmarshalCAN(id uint32, data []byte) (Frame, error) {
	if id > canIDMask {
		return Frame{}, malformed("can id 0x%x is not a standard identifier", id)
	}
	if len(data) != canDataLen && len(data) != canDataLenWithParam {
		return Frame{}, malformed("can payload length %d", len(data))
	}
	f := Frame{
		Type:      Type((id >> canAddrBits) & canTypeMask),
		Addr:      uint8(id & canAddrMask),
		Channel:   data[0],
		Action:    data[1],
		Timestamp: binary.LittleEndian.Uint32(data[2:6]),
	}
	if len(data) == canDataLenWithParam {
		f.Param, f.HasParam = data[6], true
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
