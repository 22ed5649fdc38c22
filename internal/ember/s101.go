package ember

import (
	"errors"
	"fmt"
)

// S101 framing bytes. Any content byte at or above s101Escapable must be
// escaped with CE and XORed with 0x20.
const (
	s101BOF       = 0xFE
	s101EOF       = 0xFF
	s101CE        = 0xFD
	s101XOR       = 0x20
	s101Escapable = 0xF8
)

// S101 message header fields.
const (
	s101Slot         = 0x00
	s101MessageEmber = 0x0E

	cmdEmber             = 0x00
	cmdKeepaliveRequest  = 0x01
	cmdKeepaliveResponse = 0x02

	s101Version = 0x01

	// First and last packet of the message: the provider never sends
	// multi-packet messages.
	s101FlagsSingle = 0xC0

	s101DTDGlow = 0x01
)

// s101AppBytes advertises the Glow DTD version (2.31).
var s101AppBytes = []byte{0x02, 0x1F}

// crc16 computes the CRC-16-CCITT over data, LSB-first with polynomial
// 0x8408, initial value 0xFFFF and inverted output.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}

	return ^crc
}

// encodeFrame wraps an S101 message in BOF/EOF with CRC and escaping. An
// ember command carries the Glow payload; keepalives have no payload.
func encodeFrame(cmd byte, payload []byte) []byte {
	var content []byte
	switch cmd {
	case cmdEmber:
		content = make([]byte, 0, 7+len(s101AppBytes)+len(payload))
		content = append(content, s101Slot, s101MessageEmber, cmd, s101Version,
			s101FlagsSingle, s101DTDGlow, byte(len(s101AppBytes)))
		content = append(content, s101AppBytes...)
		content = append(content, payload...)
	default:
		content = []byte{s101Slot, s101MessageEmber, cmd, s101Version}
	}

	crc := crc16(content)

	frame := make([]byte, 0, len(content)+4)
	frame = append(frame, s101BOF)
	frame = appendEscaped(frame, content)
	frame = appendEscaped(frame, []byte{byte(crc), byte(crc >> 8)})
	return append(frame, s101EOF)
}

func appendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		if b >= s101Escapable {
			dst = append(dst, s101CE, b^s101XOR)
			continue
		}
		dst = append(dst, b)
	}

	return dst
}

// decodeFrame validates the CRC of an unescaped frame body and splits off the
// command and Glow payload.
func decodeFrame(content []byte) (cmd byte, payload []byte, err error) {
	if len(content) < 6 {
		return 0, nil, errors.New("frame too short")
	}

	body, crcBytes := content[:len(content)-2], content[len(content)-2:]
	want := uint16(crcBytes[0]) | uint16(crcBytes[1])<<8
	if got := crc16(body); got != want {
		return 0, nil, fmt.Errorf("crc mismatch: got %04X, want %04X", got, want)
	}

	if body[0] != s101Slot || body[1] != s101MessageEmber {
		return 0, nil, fmt.Errorf("unexpected message header % X", body[:2])
	}

	cmd = body[2]
	if cmd != cmdEmber {
		return cmd, nil, nil
	}

	if len(body) < 7 {
		return 0, nil, errors.New("ember frame too short")
	}
	appLen := int(body[6])
	if len(body) < 7+appLen {
		return 0, nil, errors.New("ember frame shorter than app bytes")
	}

	return cmd, body[7+appLen:], nil
}

// frameScanner reassembles S101 frames from a TCP stream, unescaping as it
// goes. Bytes outside a BOF/EOF pair are discarded.
type frameScanner struct {
	buf     []byte
	inFrame bool
	escaped bool
}

// feed consumes a chunk of stream data and returns the unescaped bodies of
// any frames completed by it.
func (s *frameScanner) feed(data []byte) [][]byte {
	var frames [][]byte

	for _, b := range data {
		switch b {
		case s101BOF:
			s.buf = s.buf[:0]
			s.inFrame = true
			s.escaped = false
		case s101EOF:
			if s.inFrame && len(s.buf) > 0 {
				frame := make([]byte, len(s.buf))
				copy(frame, s.buf)
				frames = append(frames, frame)
			}
			s.inFrame = false
		case s101CE:
			s.escaped = true
		default:
			if !s.inFrame {
				continue
			}
			if s.escaped {
				b ^= s101XOR
				s.escaped = false
			}
			s.buf = append(s.buf, b)
		}
	}

	return frames
}
