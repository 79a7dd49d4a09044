package wire

import "encoding/binary"

// Frame wire format (little-endian):
//   - u8: kind
//   - u8: op
//   - u8: from
//   - u8: to
//   - u8: result
//   - u16: payload length
//   - bytes: payload
const frameHeaderLen = 7

// Marshal encodes a frame for byte-oriented transports.
func (f Frame) Marshal() []byte {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	buf[0] = uint8(f.Kind)
	buf[1] = uint8(f.Op)
	buf[2] = uint8(f.From)
	buf[3] = uint8(f.To)
	buf[4] = f.Result
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(f.Payload)))
	copy(buf[frameHeaderLen:], f.Payload)
	return buf
}

// Unmarshal decodes a frame. The payload aliases b.
func Unmarshal(b []byte) (f Frame, ok bool) {
	if len(b) < frameHeaderLen {
		return Frame{}, false
	}
	n := int(binary.LittleEndian.Uint16(b[5:7]))
	if frameHeaderLen+n != len(b) || n > MaxPayload {
		return Frame{}, false
	}
	f = Frame{
		Kind:   Kind(b[0]),
		Op:     Op(b[1]),
		From:   Addr(b[2]),
		To:     Addr(b[3]),
		Result: b[4],
	}
	if n > 0 {
		f.Payload = b[frameHeaderLen:]
	}
	return f, true
}
