package ember

import (
	"errors"
	"fmt"
	"math"
)

// BER universal tags.
const (
	berTagBoolean     = 0x01
	berTagInteger     = 0x02
	berTagReal        = 0x09
	berTagUTF8String  = 0x0C
	berTagRelativeOID = 0x0D
	berTagSet         = 0x31
)

const berConstructed = 0x20

// berContextTag returns the constructed context-specific tag for [n].
func berContextTag(n int) byte {
	return 0x80 | berConstructed | byte(n)
}

// berApplicationTag returns the constructed application tag for [APPLICATION n].
func berApplicationTag(n int) byte {
	return 0x40 | berConstructed | byte(n)
}

// berLength encodes a definite-form length.
func berLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}

	var tmp [8]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n)
		n >>= 8
	}

	out := make([]byte, 0, 1+len(tmp)-i)
	out = append(out, 0x80|byte(len(tmp)-i))
	return append(out, tmp[i:]...)
}

// berTLV assembles a single TLV.
func berTLV(tag byte, value []byte) []byte {
	out := make([]byte, 0, 2+len(value))
	out = append(out, tag)
	out = append(out, berLength(len(value))...)
	return append(out, value...)
}

// berContainer assembles a constructed TLV from its children.
func berContainer(tag byte, children ...[]byte) []byte {
	var size int
	for _, child := range children {
		size += len(child)
	}

	value := make([]byte, 0, size)
	for _, child := range children {
		value = append(value, child...)
	}

	return berTLV(tag, value)
}

func encodeInteger(v int64) []byte {
	if v == 0 {
		return berTLV(berTagInteger, []byte{0})
	}

	var tmp [9]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte(v)
		v >>= 8
		if (v == 0 && tmp[i]&0x80 == 0) || (v == -1 && tmp[i]&0x80 != 0) {
			break
		}
	}

	return berTLV(berTagInteger, tmp[i:])
}

func encodeUTF8String(s string) []byte {
	return berTLV(berTagUTF8String, []byte(s))
}

func encodeBoolean(b bool) []byte {
	if b {
		return berTLV(berTagBoolean, []byte{0xFF})
	}

	return berTLV(berTagBoolean, []byte{0x00})
}

// encodeRelativeOID encodes a parameter path as a RELATIVE-OID with base-128
// subidentifiers.
func encodeRelativeOID(path []int) []byte {
	var value []byte
	for _, sub := range path {
		if sub < 0x80 {
			value = append(value, byte(sub))
			continue
		}

		var tmp [8]byte
		i := len(tmp)
		i--
		tmp[i] = byte(sub & 0x7F)
		sub >>= 7
		for sub > 0 {
			i--
			tmp[i] = byte(sub&0x7F) | 0x80
			sub >>= 7
		}
		value = append(value, tmp[i:]...)
	}

	return berTLV(berTagRelativeOID, value)
}

// berNode is one decoded TLV. Constructed nodes carry their children,
// primitive nodes their raw value.
type berNode struct {
	tag      byte
	value    []byte
	children []berNode
}

func (n berNode) constructed() bool {
	return n.tag&berConstructed != 0
}

// contextChild returns the first child with context tag [tagNum].
func (n berNode) contextChild(tagNum int) (berNode, bool) {
	for _, child := range n.children {
		if child.tag == berContextTag(tagNum) {
			return child, true
		}
	}

	return berNode{}, false
}

// integer decodes the node's value as a BER integer.
func (n berNode) integer() (int64, error) {
	if len(n.value) == 0 || len(n.value) > 8 {
		return 0, fmt.Errorf("bad integer length %d", len(n.value))
	}

	v := int64(0)
	if n.value[0]&0x80 != 0 {
		v = -1
	}
	for _, b := range n.value {
		v = v<<8 | int64(b)
	}

	return v, nil
}

// relativeOID decodes the node's value as a path.
func (n berNode) relativeOID() ([]int, error) {
	var path []int
	sub := 0
	for _, b := range n.value {
		sub = sub<<7 | int(b&0x7F)
		if sub > math.MaxInt32 {
			return nil, errors.New("oid subidentifier overflow")
		}
		if b&0x80 == 0 {
			path = append(path, sub)
			sub = 0
		}
	}

	return path, nil
}

// parseBER decodes a sequence of TLVs, recursing into constructed nodes.
func parseBER(data []byte) ([]berNode, error) {
	var nodes []berNode

	for len(data) > 0 {
		if len(data) < 2 {
			return nil, errors.New("truncated TLV header")
		}

		tag := data[0]
		if tag&0x1F == 0x1F {
			return nil, fmt.Errorf("multi-byte tags unsupported (tag 0x%02X)", tag)
		}

		length, headerLen, err := parseLength(data[1:])
		if err != nil {
			return nil, err
		}

		total := 1 + headerLen + length
		if total > len(data) {
			return nil, errors.New("truncated TLV value")
		}

		node := berNode{tag: tag, value: data[1+headerLen : total]}
		if node.constructed() {
			if node.children, err = parseBER(node.value); err != nil {
				return nil, err
			}
		}

		nodes = append(nodes, node)
		data = data[total:]
	}

	return nodes, nil
}

func parseLength(data []byte) (length, headerLen int, err error) {
	if len(data) == 0 {
		return 0, 0, errors.New("missing length")
	}

	first := data[0]
	if first < 0x80 {
		return int(first), 1, nil
	}

	n := int(first & 0x7F)
	if n == 0 {
		return 0, 0, errors.New("indefinite length unsupported")
	}
	if n > 4 || len(data) < 1+n {
		return 0, 0, errors.New("bad long-form length")
	}

	for _, b := range data[1 : 1+n] {
		length = length<<8 | int(b)
	}

	return length, 1 + n, nil
}
