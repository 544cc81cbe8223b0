/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bmff reads and writes ISO BMFF box structures, as used by HEIF, etc.
//
// This is not so much a generic BMFF package as it is a BMFF package as
// needed by HEIF: reading produces a tree of byte ranges over the source
// (payloads are never copied during the parse), and only box types that
// are containers in the HEIF sense are descended into. Everything else is
// kept as an opaque leaf for the caller to interpret.
package bmff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is the base error for structural violations of the box
// layout: truncated headers, declared sizes that overflow the enclosing
// box or stream, and sizes smaller than their own header. Errors
// returned by Parse wrap it with position detail.
var ErrMalformed = errors.New("bmff: malformed container")

type BoxType [4]byte

// Common box types.
var (
	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeMeta = BoxType{'m', 'e', 't', 'a'}
	TypeMdat = BoxType{'m', 'd', 'a', 't'}
)

func (t BoxType) String() string { return string(t[:]) }

func (t BoxType) EqualString(s string) bool {
	// Could be cleaner, but see https://github.com/golang/go/issues/24765
	return len(s) == 4 && s[0] == t[0] && s[1] == t[1] && s[2] == t[2] && s[3] == t[3]
}

func boxType(s string) BoxType {
	if len(s) != 4 {
		panic("bogus boxType length")
	}
	return BoxType{s[0], s[1], s[2], s[3]}
}

// Box is a node of the parsed tree. It records where the box and its
// payload live in the source; it holds no payload bytes itself. The tree
// is built once by Parse and must be treated as read-only afterwards.
type Box struct {
	Type   BoxType
	Offset int64 // offset of the box header in the source
	Size   int64 // total size including header; resolved for to-end boxes

	// Version and Flags are populated for full-box containers only
	// (meta, iinf, iref). For leaf full boxes the version/flags bytes
	// are left at the start of the payload for the caller.
	Version uint8
	Flags   uint32

	DataOffset int64 // offset of the payload in the source
	DataSize   int64

	Children []*Box // populated for container types only
}

// Payload reads the box's payload bytes from ra. For containers the
// payload includes the serialized children.
func (b *Box) Payload(ra io.ReaderAt) ([]byte, error) {
	buf := make([]byte, b.DataSize)
	if _, err := ra.ReadAt(buf, b.DataOffset); err != nil {
		return nil, fmt.Errorf("bmff: reading %q payload: %v", b.Type, err)
	}
	return buf, nil
}

const (
	headerSize    = 8  // 32-bit size + type
	extHeaderSize = 16 // 32-bit escape + type + 64-bit size

	// maxDepth bounds the recursion into containers. Real HEIF trees
	// are at most four levels deep (meta > iprp > ipco).
	maxDepth = 16
)

type containerKind uint8

const (
	containerPlain containerKind = iota
	containerFull                // 4 bytes of version/flags before children
	containerCount               // full box plus a version-sized entry count (iinf)
)

// containers is the allow-list of box types that are descended into.
// Unknown types never recurse; they stay opaque leaves.
var containers = map[BoxType]containerKind{
	boxType("meta"): containerFull,
	boxType("iinf"): containerCount,
	boxType("iref"): containerFull,
	boxType("iprp"): containerPlain,
	boxType("ipco"): containerPlain,
	boxType("dinf"): containerPlain,
}

// Parse reads the complete box tree from the first size bytes of ra.
// Any structural violation aborts the whole parse with an error
// wrapping ErrMalformed; no partial tree is returned.
func Parse(ra io.ReaderAt, size int64) ([]*Box, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative source size %d", ErrMalformed, size)
	}
	return parseBoxes(ra, 0, size, 0)
}

func parseBoxes(ra io.ReaderAt, start, end int64, depth int) ([]*Box, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: box tree deeper than %d levels", ErrMalformed, maxDepth)
	}
	var boxes []*Box
	pos := start
	for pos < end {
		b, err := readBox(ra, pos, end)
		if err != nil {
			return nil, err
		}
		if kind, ok := containers[b.Type]; ok {
			if err := parseChildren(ra, b, kind, depth); err != nil {
				return nil, err
			}
		}
		boxes = append(boxes, b)
		pos += b.Size
	}
	return boxes, nil
}

// readBox decodes one box header at pos and validates its declared size
// against the enclosing range. A declared size of 1 switches to the
// 64-bit extended size; 0 means the box extends to the end of its
// parent, which also makes it the last child.
func readBox(ra io.ReaderAt, pos, end int64) (*Box, error) {
	if end-pos < headerSize {
		return nil, fmt.Errorf("%w: truncated box header at offset %d", ErrMalformed, pos)
	}
	var buf [extHeaderSize]byte
	if _, err := ra.ReadAt(buf[:headerSize], pos); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated box header at offset %d", ErrMalformed, pos)
		}
		return nil, err
	}
	b := &Box{
		Offset: pos,
		Size:   int64(binary.BigEndian.Uint32(buf[:4])),
	}
	copy(b.Type[:], buf[4:8])

	hdr := int64(headerSize)
	switch b.Size {
	case 1:
		// 1 means it's actually a 64-bit size, after the type.
		if end-pos < extHeaderSize {
			return nil, fmt.Errorf("%w: truncated extended size for %q at offset %d", ErrMalformed, b.Type, pos)
		}
		if _, err := ra.ReadAt(buf[8:16], pos+8); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("%w: truncated extended size for %q at offset %d", ErrMalformed, b.Type, pos)
			}
			return nil, err
		}
		ext := binary.BigEndian.Uint64(buf[8:16])
		// BMFF sizes are uint64, but Go oriented APIs use int64. Nobody
		// writes boxes that large, so reject rather than truncate.
		if ext > uint64(1<<63-1) {
			return nil, fmt.Errorf("%w: unreasonably large box %q", ErrMalformed, b.Type)
		}
		b.Size = int64(ext)
		hdr = extHeaderSize
		if b.Size < hdr {
			return nil, fmt.Errorf("%w: box %q extended size %d smaller than its header", ErrMalformed, b.Type, b.Size)
		}
	case 0:
		// 0 means the box runs to the end of its parent.
		b.Size = end - pos
	default:
		if b.Size < hdr {
			return nil, fmt.Errorf("%w: box %q size %d smaller than its header", ErrMalformed, b.Type, b.Size)
		}
	}
	if b.Size > end-pos {
		return nil, fmt.Errorf("%w: box %q size %d exceeds %d remaining in parent", ErrMalformed, b.Type, b.Size, end-pos)
	}
	b.DataOffset = pos + hdr
	b.DataSize = b.Size - hdr
	return b, nil
}

// parseChildren descends into a container box. Full-box containers
// carry 4 bytes of version/flags ahead of their children; iinf
// additionally carries an entry count whose width depends on the
// version. Those prefix bytes belong to the container, not to any
// child.
func parseChildren(ra io.ReaderAt, b *Box, kind containerKind, depth int) error {
	childStart := b.DataOffset
	if kind == containerFull || kind == containerCount {
		if b.DataSize < 4 {
			return fmt.Errorf("%w: container %q too small for version and flags", ErrMalformed, b.Type)
		}
		var vf [4]byte
		if _, err := ra.ReadAt(vf[:], childStart); err != nil {
			return fmt.Errorf("%w: reading %q version", ErrMalformed, b.Type)
		}
		b.Version = vf[0]
		b.Flags = uint32(vf[1])<<16 | uint32(vf[2])<<8 | uint32(vf[3])
		childStart += 4
	}
	if kind == containerCount {
		countSize := int64(2)
		if b.Version > 0 {
			countSize = 4
		}
		if b.Offset+b.Size-childStart < countSize {
			return fmt.Errorf("%w: container %q too small for its entry count", ErrMalformed, b.Type)
		}
		childStart += countSize
	}
	children, err := parseBoxes(ra, childStart, b.Offset+b.Size, depth+1)
	if err != nil {
		return err
	}
	b.Children = children
	return nil
}
