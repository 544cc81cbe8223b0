package bmff

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
)

// Node is a box being built for serialization, the write-side
// counterpart of Box. A node owns its payload; children are serialized
// after it. Sizes are computed bottom-up at write time, so nodes can be
// assembled in any order and mutated until written.
type Node struct {
	Type     BoxType
	Payload  []byte
	Children []*Node
}

// NewNode returns a leaf node with the given type and payload. The
// payload may be nil. It panics if typ is not 4 bytes, like boxType.
func NewNode(typ string, payload []byte) *Node {
	return &Node{Type: boxType(typ), Payload: payload}
}

// FullNode returns a node whose payload starts with the 4 bytes of
// version and flags that full boxes carry.
func FullNode(typ string, version uint8, flags uint32, payload []byte) *Node {
	p := make([]byte, 4+len(payload))
	p[0] = version
	p[1] = byte(flags >> 16)
	p[2] = byte(flags >> 8)
	p[3] = byte(flags)
	copy(p[4:], payload)
	return &Node{Type: boxType(typ), Payload: p}
}

// Add appends children and returns n for chaining.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Size returns the total serialized size of n including its header,
// payload and children.
func (n *Node) Size() int64 {
	size := int64(headerSize) + int64(len(n.Payload))
	for _, c := range n.Children {
		size += c.Size()
	}
	if size > math.MaxUint32 {
		size += extHeaderSize - headerSize
	}
	return size
}

// WriteTo serializes the node. Boxes above 4GiB get the extended
// 64-bit size header; everything else uses the compact form.
func (n *Node) WriteTo(w io.Writer) (int64, error) {
	size := n.Size()
	var hdr [extHeaderSize]byte
	hdrLen := headerSize
	if size > math.MaxUint32 {
		binary.BigEndian.PutUint32(hdr[:4], 1)
		copy(hdr[4:8], n.Type[:])
		binary.BigEndian.PutUint64(hdr[8:16], uint64(size))
		hdrLen = extHeaderSize
	} else {
		binary.BigEndian.PutUint32(hdr[:4], uint32(size))
		copy(hdr[4:8], n.Type[:])
	}
	written, err := w.Write(hdr[:hdrLen])
	total := int64(written)
	if err != nil {
		return total, err
	}
	written, err = w.Write(n.Payload)
	total += int64(written)
	if err != nil {
		return total, err
	}
	for _, c := range n.Children {
		cn, err := c.WriteTo(w)
		total += cn
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Bytes serializes the node to a new buffer.
func (n *Node) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(int(n.Size()))
	n.WriteTo(&buf)
	return buf.Bytes()
}
