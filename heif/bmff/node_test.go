package bmff

import (
	"bytes"
	"testing"
)

func TestNodeBytes(t *testing.T) {
	n := NewNode("ftyp", []byte("heicmif1"))
	got := n.Bytes()
	want := []byte{0, 0, 0, 16, 'f', 't', 'y', 'p', 'h', 'e', 'i', 'c', 'm', 'i', 'f', '1'}
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes = % x, want % x", got, want)
	}
	if n.Size() != 16 {
		t.Errorf("Size = %d, want 16", n.Size())
	}
}

func TestFullNodePrefix(t *testing.T) {
	n := FullNode("pitm", 1, 0x00f00d, []byte{0xab})
	got := n.Bytes()
	want := []byte{0, 0, 0, 13, 'p', 'i', 't', 'm', 1, 0x00, 0xf0, 0x0d, 0xab}
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes = % x, want % x", got, want)
	}
}

func TestNodeNesting(t *testing.T) {
	inner := NewNode("ipco", nil).Add(NewNode("irot", []byte{3}))
	outer := NewNode("iprp", nil).Add(inner)
	if got := outer.Size(); got != 8+8+9 {
		t.Fatalf("Size = %d, want 25", got)
	}

	var buf bytes.Buffer
	wn, err := outer.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if wn != outer.Size() || int64(buf.Len()) != outer.Size() {
		t.Errorf("wrote %d bytes (buffer %d), want %d", wn, buf.Len(), outer.Size())
	}

	boxes, err := Parse(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	irot := boxes[0].Children[0].Children[0]
	if !irot.Type.EqualString("irot") || irot.DataSize != 1 {
		t.Errorf("reparsed leaf = %+v", irot)
	}
}
