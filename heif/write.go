package heif

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/isoworks/heifbox/heif/bmff"
)

// Writer assembles a HEIF file: ftyp, a meta box describing the items,
// and an mdat holding their payloads back to back. The emitted form is
// canonical: every table uses the narrowest box version that fits,
// item locations are single extents with 4-byte offsets and lengths,
// and identical properties are stored once and shared.
type Writer struct {
	majorBrand   string
	minorVersion uint32
	compatible   []string
	primaryID    uint32
	nextID       uint32
	items        []*WriterItem
	refs         []rawRef
}

// WriterItem is an item being written. Fields may be adjusted up until
// WriteTo; IDs must stay unique and nonzero.
type WriterItem struct {
	ID              uint32
	Name            string
	Hidden          bool
	ContentType     string // for mime items
	ContentEncoding string
	URIType         string // for uri items

	typ   string
	data  []byte
	props []Property
}

func NewWriter() *Writer {
	return &Writer{
		majorBrand: "mif1",
		compatible: []string{"mif1"},
		nextID:     1,
	}
}

// SetBrands sets the ftyp contents. Brands are 4-character codes; it
// panics on any other length.
func (w *Writer) SetBrands(major string, minor uint32, compatible ...string) {
	if len(major) != 4 {
		panic("bogus brand length")
	}
	for _, b := range compatible {
		if len(b) != 4 {
			panic("bogus brand length")
		}
	}
	w.majorBrand = major
	w.minorVersion = minor
	w.compatible = compatible
}

// AddItem adds an item with the given 4-character type, payload and
// properties, assigning it the next free ID.
func (w *Writer) AddItem(typ string, data []byte, props ...Property) *WriterItem {
	if len(typ) != 4 {
		panic("bogus item type length")
	}
	it := &WriterItem{ID: w.nextID, typ: typ, data: data, props: props}
	w.nextID += 1
	w.items = append(w.items, it)
	return it
}

// AddReference records a typed reference between items, kept in call
// order.
func (w *Writer) AddReference(from uint32, typ string, to ...uint32) {
	if len(typ) != 4 {
		panic("bogus reference type length")
	}
	w.refs = append(w.refs, rawRef{from: from, typ: typ, to: to})
}

// SetPrimary marks the file's primary item. Without it no pitm box is
// written.
func (w *Writer) SetPrimary(id uint32) { w.primaryID = id }

// Bytes serializes the file to a new buffer.
func (w *Writer) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo serializes the file. The meta box is built twice: once to
// learn its size with zeroed payload offsets, then again with offsets
// into the mdat. Both passes have the same size because the offset
// fields are fixed width.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	itemPos := make(map[uint32]int, len(w.items))
	var total uint64
	for i, it := range w.items {
		if it.ID == 0 {
			return 0, errors.New("heif: item with ID 0")
		}
		if _, dup := itemPos[it.ID]; dup {
			return 0, fmt.Errorf("heif: duplicate item ID %d", it.ID)
		}
		itemPos[it.ID] = i
		if uint64(len(it.data)) > math.MaxUint32 {
			return 0, fmt.Errorf("heif: item %d larger than 32-bit length", it.ID)
		}
		total += uint64(len(it.data))
	}

	// References come out grouped by referring item, in item order,
	// so a reread file re-serializes identically.
	for _, r := range w.refs {
		if _, ok := itemPos[r.from]; !ok {
			return 0, fmt.Errorf("heif: reference from unknown item %d", r.from)
		}
		for _, to := range r.to {
			if _, ok := itemPos[to]; !ok {
				return 0, fmt.Errorf("heif: reference to unknown item %d", to)
			}
		}
	}
	sort.SliceStable(w.refs, func(i, j int) bool {
		return itemPos[w.refs[i].from] < itemPos[w.refs[j].from]
	})

	propNodes, assocs, err := w.buildProperties()
	if err != nil {
		return 0, err
	}

	ftyp := w.ftypNode()
	probe := w.metaNode(propNodes, assocs, 0)
	dataStart := uint64(ftyp.Size()+probe.Size()) + 8
	if dataStart+total > math.MaxUint32 {
		return 0, errors.New("heif: container too large for 32-bit offsets")
	}
	meta := w.metaNode(propNodes, assocs, dataStart)

	var n int64
	wn, err := ftyp.WriteTo(dst)
	n += wn
	if err != nil {
		return n, err
	}
	wn, err = meta.WriteTo(dst)
	n += wn
	if err != nil {
		return n, err
	}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(8+total))
	copy(hdr[4:8], "mdat")
	in, err := dst.Write(hdr[:])
	n += int64(in)
	if err != nil {
		return n, err
	}
	for _, it := range w.items {
		in, err = dst.Write(it.data)
		n += int64(in)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// buildProperties serializes every item's properties into the shared
// container, deduplicating identical ones. Indices are 1-based in
// first-use order.
func (w *Writer) buildProperties() ([]*bmff.Node, [][]propAssoc, error) {
	var propNodes []*bmff.Node
	propIndex := make(map[string]uint16)
	assocs := make([][]propAssoc, len(w.items))
	for i, it := range w.items {
		for _, p := range it.props {
			node, err := propertyNode(p)
			if err != nil {
				return nil, nil, fmt.Errorf("heif: item %d: %v", it.ID, err)
			}
			key := string(node.Type[:]) + string(node.Payload)
			idx, ok := propIndex[key]
			if !ok {
				if len(propNodes) >= 0x7fff {
					return nil, nil, errors.New("heif: too many distinct properties")
				}
				propNodes = append(propNodes, node)
				idx = uint16(len(propNodes))
				propIndex[key] = idx
			}
			assocs[i] = append(assocs[i], propAssoc{index: idx, essential: essentialProperty(p)})
		}
	}
	return propNodes, assocs, nil
}

func (w *Writer) ftypNode() *bmff.Node {
	payload := []byte(w.majorBrand)
	payload = binary.BigEndian.AppendUint32(payload, w.minorVersion)
	for _, b := range w.compatible {
		payload = append(payload, b...)
	}
	return bmff.NewNode("ftyp", payload)
}

func (w *Writer) metaNode(propNodes []*bmff.Node, assocs [][]propAssoc, dataStart uint64) *bmff.Node {
	meta := bmff.FullNode("meta", 0, 0, nil)
	meta.Add(hdlrNode())
	if w.primaryID != 0 {
		meta.Add(pitmNode(w.primaryID))
	}
	meta.Add(w.iinfNode())
	if len(w.refs) > 0 {
		meta.Add(w.irefNode())
	}
	meta.Add(w.ilocNode(dataStart))
	if len(propNodes) > 0 {
		ipco := bmff.NewNode("ipco", nil).Add(propNodes...)
		meta.Add(bmff.NewNode("iprp", nil).Add(ipco, w.ipmaNode(assocs)))
	}
	return meta
}

func hdlrNode() *bmff.Node {
	payload := make([]byte, 21)
	copy(payload[4:8], "pict")
	return bmff.FullNode("hdlr", 0, 0, payload)
}

func pitmNode(id uint32) *bmff.Node {
	if id > 0xffff {
		return bmff.FullNode("pitm", 1, 0, binary.BigEndian.AppendUint32(nil, id))
	}
	return bmff.FullNode("pitm", 0, 0, binary.BigEndian.AppendUint16(nil, uint16(id)))
}

func (w *Writer) maxItemID() uint32 {
	var id uint32
	for _, it := range w.items {
		if it.ID > id {
			id = it.ID
		}
	}
	return id
}

func (w *Writer) iinfNode() *bmff.Node {
	var version uint8
	var count []byte
	if len(w.items) > 0xffff {
		version = 1
		count = binary.BigEndian.AppendUint32(nil, uint32(len(w.items)))
	} else {
		count = binary.BigEndian.AppendUint16(nil, uint16(len(w.items)))
	}
	iinf := bmff.FullNode("iinf", version, 0, count)
	for _, it := range w.items {
		iinf.Add(infeNode(it))
	}
	return iinf
}

func infeNode(it *WriterItem) *bmff.Node {
	version := uint8(2)
	var payload []byte
	if it.ID > 0xffff {
		version = 3
		payload = binary.BigEndian.AppendUint32(payload, it.ID)
	} else {
		payload = binary.BigEndian.AppendUint16(payload, uint16(it.ID))
	}
	payload = append(payload, 0, 0) // item_protection_index
	payload = append(payload, it.typ...)
	payload = append(payload, it.Name...)
	payload = append(payload, 0)
	switch it.typ {
	case "mime":
		payload = append(payload, it.ContentType...)
		payload = append(payload, 0)
		if it.ContentEncoding != "" {
			payload = append(payload, it.ContentEncoding...)
			payload = append(payload, 0)
		}
	case "uri ":
		payload = append(payload, it.URIType...)
		payload = append(payload, 0)
	}
	var flags uint32
	if it.Hidden {
		flags = 1
	}
	return bmff.FullNode("infe", version, flags, payload)
}

func (w *Writer) irefNode() *bmff.Node {
	var version uint8
	for _, r := range w.refs {
		if r.from > 0xffff {
			version = 1
		}
		for _, to := range r.to {
			if to > 0xffff {
				version = 1
			}
		}
	}
	iref := bmff.FullNode("iref", version, 0, nil)
	for _, r := range w.refs {
		var payload []byte
		if version == 0 {
			payload = binary.BigEndian.AppendUint16(payload, uint16(r.from))
		} else {
			payload = binary.BigEndian.AppendUint32(payload, r.from)
		}
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(r.to)))
		for _, to := range r.to {
			if version == 0 {
				payload = binary.BigEndian.AppendUint16(payload, uint16(to))
			} else {
				payload = binary.BigEndian.AppendUint32(payload, to)
			}
		}
		iref.Add(bmff.NewNode(r.typ, payload))
	}
	return iref
}

func (w *Writer) ilocNode(dataStart uint64) *bmff.Node {
	var version uint8
	if w.maxItemID() > 0xffff {
		version = 2
	}
	var payload []byte
	payload = append(payload, 0x44, 0x00) // 4-byte offsets and lengths, no base or index
	if version == 2 {
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(w.items)))
	} else {
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(w.items)))
	}
	off := dataStart
	for _, it := range w.items {
		if version == 2 {
			payload = binary.BigEndian.AppendUint32(payload, it.ID)
			payload = append(payload, 0, 0) // construction method: file offsets
		} else {
			payload = binary.BigEndian.AppendUint16(payload, uint16(it.ID))
		}
		payload = append(payload, 0, 0) // data_reference_index
		payload = binary.BigEndian.AppendUint16(payload, 1)
		payload = binary.BigEndian.AppendUint32(payload, uint32(off))
		payload = binary.BigEndian.AppendUint32(payload, uint32(len(it.data)))
		off += uint64(len(it.data))
	}
	return bmff.FullNode("iloc", version, 0, payload)
}

func (w *Writer) ipmaNode(assocs [][]propAssoc) *bmff.Node {
	var version uint8
	var flags uint32
	var entries uint32
	for i, as := range assocs {
		if len(as) == 0 {
			continue
		}
		entries += 1
		if w.items[i].ID > 0xffff {
			version = 1
		}
		for _, a := range as {
			if a.index > 127 {
				flags = 1
			}
		}
	}
	payload := binary.BigEndian.AppendUint32(nil, entries)
	for i, as := range assocs {
		if len(as) == 0 {
			continue
		}
		if version == 1 {
			payload = binary.BigEndian.AppendUint32(payload, w.items[i].ID)
		} else {
			payload = binary.BigEndian.AppendUint16(payload, uint16(w.items[i].ID))
		}
		payload = append(payload, uint8(len(as)))
		for _, a := range as {
			v := a.index
			if a.essential {
				if flags&1 != 0 {
					v |= 0x8000
				} else {
					v |= 0x80
				}
			}
			if flags&1 != 0 {
				payload = binary.BigEndian.AppendUint16(payload, v)
			} else {
				payload = append(payload, uint8(v))
			}
		}
	}
	return bmff.FullNode("ipma", version, flags, payload)
}

// propertyNode serializes a property back to its box form.
func propertyNode(p Property) (*bmff.Node, error) {
	switch p := p.(type) {
	case ImageSpatialExtentsProperty:
		payload := binary.BigEndian.AppendUint32(nil, p.ImageWidth)
		payload = binary.BigEndian.AppendUint32(payload, p.ImageHeight)
		return bmff.FullNode("ispe", 0, 0, payload), nil
	case ImageRotation:
		return bmff.NewNode("irot", []byte{p.Angle & 3}), nil
	case ImageMirror:
		return bmff.NewNode("imir", []byte{p.Axis & 1}), nil
	case CleanAperture:
		var payload []byte
		for _, v := range []uint32{
			p.WidthN, p.WidthD, p.HeightN, p.HeightD,
			uint32(p.HorizOffN), p.HorizOffD, uint32(p.VertOffN), p.VertOffD,
		} {
			payload = binary.BigEndian.AppendUint32(payload, v)
		}
		return bmff.NewNode("clap", payload), nil
	case PixelInformation:
		if len(p.BitsPerChannel) > 0xff {
			return nil, errors.New("pixel information with too many channels")
		}
		payload := append([]byte{uint8(len(p.BitsPerChannel))}, p.BitsPerChannel...)
		return bmff.FullNode("pixi", 0, 0, payload), nil
	case AuxiliaryType:
		payload := append([]byte(p.AuxType), 0)
		payload = append(payload, p.Subtype...)
		return bmff.FullNode("auxC", 0, 0, payload), nil
	case CodecConfig:
		if len(p.Type) != 4 {
			return nil, fmt.Errorf("codec config type %q is not 4 characters", p.Type)
		}
		return bmff.NewNode(p.Type, p.Data), nil
	case RawProperty:
		if len(p.Type) != 4 {
			return nil, fmt.Errorf("property type %q is not 4 characters", p.Type)
		}
		return bmff.NewNode(p.Type, p.Data), nil
	}
	return nil, fmt.Errorf("unknown property type %T", p)
}

// essentialProperty decides the association's essential flag the way
// this package writes files: transforms and codec configurations are
// essential, descriptive properties are not.
func essentialProperty(p Property) bool {
	switch p.(type) {
	case CodecConfig, ImageRotation, ImageMirror, CleanAperture, AuxiliaryType:
		return true
	}
	return false
}

// WriteTo re-serializes the file in the Writer's canonical form. Item
// payloads are rehomed into a single mdat; a file written by Writer
// reads back byte for byte.
func (f *File) WriteTo(dst io.Writer) (int64, error) {
	w := NewWriter()
	w.SetBrands(f.MajorBrand, f.MinorVersion, f.CompatibleBrands...)
	if f.primaryID != 0 {
		w.SetPrimary(f.primaryID)
	}
	for _, it := range f.items {
		var data []byte
		if it.hasLoc {
			var err error
			data, err = f.GetItemData(it)
			if err != nil {
				return 0, err
			}
		}
		wi := w.AddItem(it.Type, data, it.Properties...)
		wi.ID = it.ID
		wi.Name = it.Name
		wi.Hidden = it.Hidden
		wi.ContentType = it.ContentType
		wi.ContentEncoding = it.ContentEncoding
		wi.URIType = it.URIType
		for _, r := range it.References {
			w.AddReference(it.ID, r.Type, r.ToIDs...)
		}
	}
	return w.WriteTo(dst)
}
