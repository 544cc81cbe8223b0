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

// Package heif interprets the metadata of HEIF-style containers: the
// items a file holds, where each item's payload lives, and the
// properties and references attached to it. It does not decode any
// coded pixels itself.
package heif

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/isoworks/heifbox/heif/bmff"
)

// ErrNoEXIF is returned by File.EXIF when a file does not contain an EXIF item.
var ErrNoEXIF = errors.New("heif: no EXIF found")

// ErrUnknownItem is returned by File.ItemByID for unknown items.
var ErrUnknownItem = errors.New("heif: unknown item")

// ErrInconsistentMeta is the base error for metadata whose boxes parse
// but contradict each other or reference things that do not exist.
// Errors wrap it with detail.
var ErrInconsistentMeta = errors.New("heif: inconsistent metadata")

// File is the interpreted metadata of a HEIF file. It is built
// completely by Open and read-only afterwards, so methods on File and
// its Items are safe for concurrent use.
type File struct {
	ra   io.ReaderAt
	size int64

	MajorBrand       string
	MinorVersion     uint32
	CompatibleBrands []string
	Handler          string

	// Warnings lists irregularities that Open tolerated, such as
	// duplicate item IDs, in the order they were met.
	Warnings []string

	primaryID uint32
	items     []*Item
	byID      map[uint32]*Item
	idat      []byte
}

// Item construction methods, from the iloc box.
const (
	locMethodFile = 0 // extents are file offsets
	locMethodIdat = 1 // extents index into the meta idat box
	locMethodItem = 2 // extents index into another item's data
)

type extent struct {
	offset, length uint64
}

// Item represents an item in a HEIF file.
type Item struct {
	f *File

	ID              uint32
	Type            string // 4-character item type, e.g. "hvc1" or "grid"
	Name            string
	ContentType     string // for mime items
	ContentEncoding string
	URIType         string // for uri items
	Hidden          bool

	// Properties holds the item's properties in association order.
	Properties []Property

	// References holds the item's outgoing references in box order.
	References []Reference

	essential []bool // parallel to Properties
	propErr   error  // dangling property association, reported on access

	hasLoc     bool
	method     uint8
	dataRef    uint16
	baseOffset uint64
	extents    []extent
}

// Reference is one typed reference from an item to others, such as the
// "dimg" list naming a grid's tiles in tile order.
type Reference struct {
	Type  string
	ToIDs []uint32
}

// Data returns the item's payload bytes, read through the file's byte
// source. It is shorthand for File.GetItemData.
func (it *Item) Data() ([]byte, error) { return it.f.GetItemData(it) }

// Reference returns the targets of the item's first reference of the
// given type, or nil.
func (it *Item) Reference(name string) []uint32 {
	for _, r := range it.References {
		if r.Type == name {
			return r.ToIDs
		}
	}
	return nil
}

// SpatialExtents returns the item's spatial extents property values, if present,
// not correcting from any camera rotation metadata.
func (it *Item) SpatialExtents() (width, height int, ok bool) {
	for _, p := range it.Properties {
		if p, ok := p.(ImageSpatialExtentsProperty); ok {
			return int(p.ImageWidth), int(p.ImageHeight), true
		}
	}
	return
}

// CodecConfig returns the payload of the item's codec configuration
// property, the body of an hvcC or av1C style box.
func (it *Item) CodecConfig() ([]byte, bool) {
	for _, p := range it.Properties {
		if p, ok := p.(CodecConfig); ok {
			return p.Data, true
		}
	}
	return nil, false
}

// Rotations returns the number of 90 degree rotations counter-clockwise that this
// image should be rendered at, in the range [0,3].
func (it *Item) Rotations() int {
	for _, p := range it.Properties {
		if p, ok := p.(ImageRotation); ok {
			return int(p.Angle)
		}
	}
	return 0
}

// Mirror returns the mirroring axis: 0 = vertical, 1 = horizontal.
// ok reports whether the item carries a mirror property at all.
func (it *Item) Mirror() (axis int, ok bool) {
	for _, p := range it.Properties {
		if p, ok := p.(ImageMirror); ok {
			return int(p.Axis), true
		}
	}
	return 0, false
}

// CleanAperture returns the item's clean aperture property, if present.
func (it *Item) CleanAperture() (CleanAperture, bool) {
	for _, p := range it.Properties {
		if p, ok := p.(CleanAperture); ok {
			return p, true
		}
	}
	return CleanAperture{}, false
}

// BitDepths returns the bits per channel recorded in the item's pixel
// information property.
func (it *Item) BitDepths() ([]uint8, bool) {
	for _, p := range it.Properties {
		if p, ok := p.(PixelInformation); ok {
			return p.BitsPerChannel, true
		}
	}
	return nil, false
}

// AuxType returns the auxiliary type URN for auxiliary images such as
// alpha planes.
func (it *Item) AuxType() (string, bool) {
	for _, p := range it.Properties {
		if p, ok := p.(AuxiliaryType); ok {
			return p.AuxType, true
		}
	}
	return "", false
}

// VisualDimensions returns the item's width and height after correcting
// for any clean aperture and rotations.
func (it *Item) VisualDimensions() (width, height int, ok bool) {
	width, height, ok = it.SpatialExtents()
	if c, cok := it.CleanAperture(); cok {
		if r, err := c.Rect(width, height); err == nil {
			width, height = r.Dx(), r.Dy()
		}
	}
	for i := 0; i < it.Rotations(); i++ {
		width, height = height, width
	}
	return
}

// UnsupportedEssential returns the types of properties marked
// essential that this package does not understand. Items with any
// must not be decoded.
func (it *Item) UnsupportedEssential() []string {
	var out []string
	for i, p := range it.Properties {
		if raw, ok := p.(RawProperty); ok && it.essential[i] {
			out = append(out, raw.Type)
		}
	}
	return out
}

// Open reads and interprets the complete metadata of a HEIF file of
// the given size. The returned File retains ra for reading item
// payloads later but holds no other parse state.
func Open(ra io.ReaderAt, size int64) (*File, error) {
	boxes, err := bmff.Parse(ra, size)
	if err != nil {
		return nil, err
	}
	if len(boxes) == 0 || boxes[0].Type != bmff.TypeFtyp {
		return nil, fmt.Errorf("%w: file does not begin with ftyp", ErrInconsistentMeta)
	}
	f := &File{ra: ra, size: size, byID: make(map[uint32]*Item)}
	if err := f.parseFtyp(boxes[0]); err != nil {
		return nil, err
	}
	var meta *bmff.Box
	for _, b := range boxes[1:] {
		if b.Type == bmff.TypeMeta {
			if meta != nil {
				f.warnf("multiple meta boxes; using the first")
				continue
			}
			meta = b
		}
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: no meta box", ErrInconsistentMeta)
	}
	p := &metaParser{f: f, locs: make(map[uint32]location), assocs: make(map[uint32][]propAssoc)}
	if err := p.parseMeta(meta); err != nil {
		return nil, err
	}
	if err := p.finalize(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) warnf(format string, args ...any) {
	f.Warnings = append(f.Warnings, fmt.Sprintf(format, args...))
}

func (f *File) parseFtyp(b *bmff.Box) error {
	data, err := b.Payload(f.ra)
	if err != nil {
		return err
	}
	r := newBreader(data)
	f.MajorBrand = r.str4()
	f.MinorVersion = r.uint32()
	for r.ok && r.remaining() >= 4 {
		f.CompatibleBrands = append(f.CompatibleBrands, r.str4())
	}
	if !r.ok {
		return fmt.Errorf("%w: truncated ftyp box", ErrInconsistentMeta)
	}
	return nil
}

// Items returns all items in declaration order. The slice is shared;
// callers must not modify it.
func (f *File) Items() []*Item { return f.items }

// ItemByID returns the item with the given ID.
func (f *File) ItemByID(id uint32) (*Item, error) {
	if it, ok := f.byID[id]; ok {
		return it, nil
	}
	return nil, ErrUnknownItem
}

// PrimaryItem returns the file's primary item.
func (f *File) PrimaryItem() (*Item, error) {
	if f.primaryID == 0 {
		return nil, fmt.Errorf("%w: no primary item", ErrInconsistentMeta)
	}
	it, err := f.ItemByID(f.primaryID)
	if err != nil {
		return nil, fmt.Errorf("%w: primary item %d not declared", ErrInconsistentMeta, f.primaryID)
	}
	return it, nil
}

// Thumbnails returns the items declaring themselves thumbnails of the
// given item.
func (f *File) Thumbnails(id uint32) []*Item {
	return f.itemsReferring("thmb", id)
}

// Auxiliaries returns the auxiliary images of the given item, such as
// its alpha plane.
func (f *File) Auxiliaries(id uint32) []*Item {
	return f.itemsReferring("auxl", id)
}

func (f *File) itemsReferring(refType string, id uint32) []*Item {
	var out []*Item
	for _, it := range f.items {
		for _, to := range it.Reference(refType) {
			if to == id {
				out = append(out, it)
				break
			}
		}
	}
	return out
}

// EXIF returns the raw EXIF data from the file.
// The error is ErrNoEXIF if the file did not contain EXIF.
//
// The raw EXIF data can be parsed by the
// github.com/rwcarlsen/goexif/exif package's Decode function.
func (f *File) EXIF() ([]byte, error) {
	var exifItem *Item
	for _, it := range f.items {
		if it.Type == "Exif" {
			exifItem = it
			break
		}
	}
	if exifItem == nil {
		return nil, ErrNoEXIF
	}
	data, err := f.GetItemData(exifItem)
	if err != nil {
		return nil, err
	}
	// The payload begins with a 4-byte offset to the TIFF header,
	// counted from the end of that offset field.
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: EXIF payload too short", ErrInconsistentMeta)
	}
	off := binary.BigEndian.Uint32(data)
	if uint64(4)+uint64(off) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: EXIF header offset %d beyond payload", ErrInconsistentMeta, off)
	}
	return data[4+off:], nil
}

// GetItemData returns the data specified by the item's location,
// concatenating extents in order.
func (f *File) GetItemData(it *Item) ([]byte, error) {
	if it.propErr != nil {
		return nil, it.propErr
	}
	if !it.hasLoc {
		return nil, fmt.Errorf("%w: item %d has no location", ErrInconsistentMeta, it.ID)
	}
	if it.method != locMethodFile && it.method != locMethodIdat {
		return nil, fmt.Errorf("heif: item %d uses construction method %d, not supported", it.ID, it.method)
	}
	if it.dataRef != 0 {
		return nil, fmt.Errorf("heif: item %d is stored in an external data reference", it.ID)
	}

	const maxSize = 200 << 20 // cap it for sanity
	var total uint64
	for _, e := range it.extents {
		total += e.length
		if total > maxSize {
			return nil, fmt.Errorf("heif: declared size %d exceeds threshold of %d bytes", total, maxSize)
		}
	}
	buf := make([]byte, 0, total)
	for _, e := range it.extents {
		start := it.baseOffset + e.offset
		end := start + e.length
		if start < it.baseOffset || end < start {
			return nil, fmt.Errorf("%w: item %d extent overflows", ErrInconsistentMeta, it.ID)
		}
		if it.method == locMethodIdat {
			if end > uint64(len(f.idat)) {
				return nil, fmt.Errorf("%w: item %d extent beyond idat", ErrInconsistentMeta, it.ID)
			}
			buf = append(buf, f.idat[start:end]...)
			continue
		}
		if end > uint64(f.size) {
			return nil, fmt.Errorf("%w: item %d extent beyond end of file", ErrInconsistentMeta, it.ID)
		}
		if e.length == 0 {
			continue // bytes.Reader reports io.EOF for an empty ReadAt at EOF
		}
		n := len(buf)
		buf = buf[:n+int(e.length)]
		if _, err := f.ra.ReadAt(buf[n:], int64(start)); err != nil {
			return nil, fmt.Errorf("heif: reading item %d: %v", it.ID, err)
		}
	}
	return buf, nil
}

type location struct {
	method     uint8
	dataRef    uint16
	baseOffset uint64
	extents    []extent
}

type propAssoc struct {
	index     uint16
	essential bool
}

type rawRef struct {
	from uint32
	typ  string
	to   []uint32
}

// metaParser accumulates the meta child boxes, which may arrive in any
// order, and links them into the File once all are seen.
type metaParser struct {
	f    *File
	seen map[string]bool

	locOrder []uint32
	locs     map[uint32]location
	sawIloc  bool

	assocOrder []uint32
	assocs     map[uint32][]propAssoc

	props []Property
	refs  []rawRef
}

func (p *metaParser) parseMeta(meta *bmff.Box) error {
	p.seen = make(map[string]bool)
	for _, b := range meta.Children {
		typ := b.Type.String()
		switch typ {
		case "hdlr", "pitm", "iinf", "iloc", "iprp", "iref", "idat":
			if p.seen[typ] {
				p.f.warnf("duplicate %s box ignored", typ)
				continue
			}
			p.seen[typ] = true
		default:
			continue
		}
		var err error
		switch typ {
		case "hdlr":
			err = p.parseHdlr(b)
		case "pitm":
			err = p.parsePitm(b)
		case "iinf":
			err = p.parseIinf(b)
		case "iloc":
			err = p.parseIloc(b)
		case "iprp":
			err = p.parseIprp(b)
		case "iref":
			err = p.parseIref(b)
		case "idat":
			p.f.idat, err = b.Payload(p.f.ra)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *metaParser) parseHdlr(b *bmff.Box) error {
	data, err := b.Payload(p.f.ra)
	if err != nil {
		return err
	}
	r := newBreader(data)
	r.skip(4) // version and flags
	r.skip(4) // pre_defined
	p.f.Handler = r.str4()
	if r.ok && p.f.Handler != "pict" {
		p.f.warnf("handler type %q, expected pict", p.f.Handler)
	}
	return nil
}

func (p *metaParser) parsePitm(b *bmff.Box) error {
	data, err := b.Payload(p.f.ra)
	if err != nil {
		return err
	}
	r := newBreader(data)
	version := r.uint8()
	r.skip(3) // flags
	if version == 0 {
		p.f.primaryID = uint32(r.uint16())
	} else {
		p.f.primaryID = r.uint32()
	}
	if !r.ok {
		return fmt.Errorf("%w: truncated pitm box", ErrInconsistentMeta)
	}
	return nil
}

func (p *metaParser) parseIinf(b *bmff.Box) error {
	for _, c := range b.Children {
		if !c.Type.EqualString("infe") {
			continue
		}
		data, err := c.Payload(p.f.ra)
		if err != nil {
			return err
		}
		p.parseInfe(data)
	}
	return nil
}

func (p *metaParser) parseInfe(data []byte) {
	r := newBreader(data)
	version := r.uint8()
	flags := r.uintN(3)
	if version < 2 {
		p.f.warnf("item info version %d not supported; item skipped", version)
		return
	}
	var id uint32
	if version == 2 {
		id = uint32(r.uint16())
	} else {
		id = r.uint32()
	}
	protection := r.uint16()
	it := &Item{
		f:      p.f,
		ID:     id,
		Type:   r.str4(),
		Name:   r.str(),
		Hidden: flags&1 != 0,
	}
	switch it.Type {
	case "mime":
		it.ContentType = r.str()
		if r.remaining() > 0 {
			it.ContentEncoding = r.str()
		}
	case "uri ":
		it.URIType = r.str()
	}
	if !r.ok {
		p.f.warnf("truncated item info entry; item skipped")
		return
	}
	if _, dup := p.f.byID[id]; dup {
		p.f.warnf("duplicate item ID %d; keeping the first", id)
		return
	}
	if protection != 0 {
		p.f.warnf("item %d is protected; its data will not be readable", id)
	}
	p.f.byID[id] = it
	p.f.items = append(p.f.items, it)
}

func (p *metaParser) parseIloc(b *bmff.Box) error {
	data, err := b.Payload(p.f.ra)
	if err != nil {
		return err
	}
	p.sawIloc = true
	r := newBreader(data)
	version := r.uint8()
	r.skip(3) // flags
	sizes := r.uint8()
	offSize, lenSize := sizes>>4, sizes&15
	sizes = r.uint8()
	baseSize, indexSize := sizes>>4, sizes&15
	if !fieldSizeOK(offSize) || !fieldSizeOK(lenSize) || !fieldSizeOK(baseSize) {
		return fmt.Errorf("%w: iloc field sizes %d/%d/%d", ErrInconsistentMeta, offSize, lenSize, baseSize)
	}
	if version >= 1 && !fieldSizeOK(indexSize) {
		return fmt.Errorf("%w: iloc index size %d", ErrInconsistentMeta, indexSize)
	}
	var count uint32
	if version < 2 {
		count = uint32(r.uint16())
	} else {
		count = r.uint32()
	}
	for i := uint32(0); i < count && r.ok; i++ {
		var id uint32
		if version < 2 {
			id = uint32(r.uint16())
		} else {
			id = r.uint32()
		}
		var loc location
		if version >= 1 {
			loc.method = uint8(r.uint16() & 15)
		}
		loc.dataRef = r.uint16()
		loc.baseOffset = r.uintN(int(baseSize))
		extentCount := r.uint16()
		for j := uint16(0); j < extentCount && r.ok; j++ {
			if version >= 1 && indexSize > 0 {
				r.uintN(int(indexSize)) // extent_index, unused here
			}
			loc.extents = append(loc.extents, extent{
				offset: r.uintN(int(offSize)),
				length: r.uintN(int(lenSize)),
			})
		}
		if !r.ok {
			break
		}
		if _, dup := p.locs[id]; dup {
			p.f.warnf("duplicate location for item %d; keeping the first", id)
			continue
		}
		p.locs[id] = loc
		p.locOrder = append(p.locOrder, id)
	}
	if !r.ok {
		return fmt.Errorf("%w: truncated iloc box", ErrInconsistentMeta)
	}
	return nil
}

func fieldSizeOK(n uint8) bool { return n == 0 || n == 4 || n == 8 }

func (p *metaParser) parseIprp(b *bmff.Box) error {
	for _, c := range b.Children {
		switch {
		case c.Type.EqualString("ipco"):
			if p.props != nil {
				p.f.warnf("duplicate ipco box ignored")
				continue
			}
			if err := p.parseIpco(c); err != nil {
				return err
			}
		case c.Type.EqualString("ipma"):
			data, err := c.Payload(p.f.ra)
			if err != nil {
				return err
			}
			if err := p.parseIpma(data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *metaParser) parseIpco(b *bmff.Box) error {
	// Every child, parsed or not, occupies its slot: ipma indices are
	// 1-based positions in this box.
	p.props = make([]Property, 0, len(b.Children))
	for _, c := range b.Children {
		data, err := c.Payload(p.f.ra)
		if err != nil {
			return err
		}
		prop, perr := parseProperty(c.Type, data)
		if perr != nil {
			p.f.warnf("property %d (%s): %v", len(p.props)+1, c.Type, perr)
			prop = RawProperty{Type: c.Type.String(), Data: data}
		}
		p.props = append(p.props, prop)
	}
	return nil
}

func (p *metaParser) parseIpma(data []byte) error {
	r := newBreader(data)
	version := r.uint8()
	flags := r.uintN(3)
	count := r.uint32()
	for i := uint32(0); i < count && r.ok; i++ {
		var id uint32
		if version < 1 {
			id = uint32(r.uint16())
		} else {
			id = r.uint32()
		}
		n := int(r.uint8())
		assocs := make([]propAssoc, 0, n)
		for j := 0; j < n && r.ok; j++ {
			var a propAssoc
			if flags&1 != 0 {
				v := r.uint16()
				a.essential = v&0x8000 != 0
				a.index = v & 0x7fff
			} else {
				v := r.uint8()
				a.essential = v&0x80 != 0
				a.index = uint16(v & 0x7f)
			}
			assocs = append(assocs, a)
		}
		if !r.ok {
			break
		}
		if _, dup := p.assocs[id]; dup {
			p.f.warnf("duplicate property associations for item %d; keeping the first", id)
			continue
		}
		p.assocs[id] = assocs
		p.assocOrder = append(p.assocOrder, id)
	}
	if !r.ok {
		return fmt.Errorf("%w: truncated ipma box", ErrInconsistentMeta)
	}
	return nil
}

func (p *metaParser) parseIref(b *bmff.Box) error {
	for _, c := range b.Children {
		data, err := c.Payload(p.f.ra)
		if err != nil {
			return err
		}
		r := newBreader(data)
		var from uint32
		if b.Version == 0 {
			from = uint32(r.uint16())
		} else {
			from = r.uint32()
		}
		n := int(r.uint16())
		to := make([]uint32, 0, n)
		for j := 0; j < n && r.ok; j++ {
			if b.Version == 0 {
				to = append(to, uint32(r.uint16()))
			} else {
				to = append(to, r.uint32())
			}
		}
		if !r.ok {
			return fmt.Errorf("%w: truncated %s reference", ErrInconsistentMeta, c.Type)
		}
		p.refs = append(p.refs, rawRef{from: from, typ: c.Type.String(), to: to})
	}
	return nil
}

// finalize links the staged tables to the items and checks the file
// hangs together.
func (p *metaParser) finalize() error {
	f := p.f
	if len(f.items) > 0 && !p.sawIloc {
		return fmt.Errorf("%w: items declared but no iloc box", ErrInconsistentMeta)
	}
	for _, id := range p.locOrder {
		it, ok := f.byID[id]
		if !ok {
			f.warnf("location for undeclared item %d", id)
			continue
		}
		loc := p.locs[id]
		it.hasLoc = true
		it.method = loc.method
		it.dataRef = loc.dataRef
		it.baseOffset = loc.baseOffset
		it.extents = loc.extents
	}
	for _, id := range p.assocOrder {
		it, ok := f.byID[id]
		if !ok {
			f.warnf("property associations for undeclared item %d", id)
			continue
		}
		for _, a := range p.assocs[id] {
			if a.index == 0 {
				continue // padding, no association
			}
			if int(a.index) > len(p.props) {
				if it.propErr == nil {
					it.propErr = fmt.Errorf("%w: item %d references property %d of %d", ErrInconsistentMeta, id, a.index, len(p.props))
				}
				continue
			}
			it.Properties = append(it.Properties, p.props[a.index-1])
			it.essential = append(it.essential, a.essential)
		}
	}
	for _, ref := range p.refs {
		it, ok := f.byID[ref.from]
		if !ok {
			f.warnf("%s reference from undeclared item %d", ref.typ, ref.from)
			continue
		}
		it.References = append(it.References, Reference{Type: ref.typ, ToIDs: ref.to})
	}
	return nil
}

// Property is one entry of the property container. Concrete types
// cover the properties this package interprets; everything else
// surfaces as RawProperty.
type Property interface {
	PropertyType() string
}

// ImageSpatialExtentsProperty is the ispe box: the item's coded width
// and height in pixels.
type ImageSpatialExtentsProperty struct {
	ImageWidth  uint32
	ImageHeight uint32
}

func (ImageSpatialExtentsProperty) PropertyType() string { return "ispe" }

// ImageRotation is the irot box. Angle is counter-clockwise quarter
// turns, in the range [0,3].
type ImageRotation struct {
	Angle uint8
}

func (ImageRotation) PropertyType() string { return "irot" }

// ImageMirror is the imir box. Axis 0 mirrors across the vertical
// axis, 1 across the horizontal axis.
type ImageMirror struct {
	Axis uint8
}

func (ImageMirror) PropertyType() string { return "imir" }

// CleanAperture is the clap box, a fractional crop window addressed
// from the image center.
type CleanAperture struct {
	WidthN, WidthD   uint32
	HeightN, HeightD uint32
	HorizOffN        int32
	HorizOffD        uint32
	VertOffN         int32
	VertOffD         uint32
}

func (CleanAperture) PropertyType() string { return "clap" }

// Rect resolves the aperture against an image of the given size to a
// whole-pixel crop rectangle.
func (c CleanAperture) Rect(w, h int) (image.Rectangle, error) {
	if c.WidthD == 0 || c.HeightD == 0 || c.HorizOffD == 0 || c.VertOffD == 0 {
		return image.Rectangle{}, fmt.Errorf("%w: clean aperture with zero denominator", ErrInconsistentMeta)
	}
	cw := int(c.WidthN / c.WidthD)
	ch := int(c.HeightN / c.HeightD)
	offX := int(c.HorizOffN) / int(c.HorizOffD)
	offY := int(c.VertOffN) / int(c.VertOffD)
	x0 := (w-1)/2 - (cw-1)/2 + offX
	y0 := (h-1)/2 - (ch-1)/2 + offY
	r := image.Rect(x0, y0, x0+cw, y0+ch)
	if cw <= 0 || ch <= 0 || !r.In(image.Rect(0, 0, w, h)) {
		return image.Rectangle{}, fmt.Errorf("%w: clean aperture %v outside %dx%d image", ErrInconsistentMeta, r, w, h)
	}
	return r, nil
}

// PixelInformation is the pixi box: bits per channel of the coded
// image.
type PixelInformation struct {
	BitsPerChannel []uint8
}

func (PixelInformation) PropertyType() string { return "pixi" }

// AuxiliaryType is the auxC box carried by auxiliary images, naming
// their role as a URN plus optional codec-specific subtype bytes.
type AuxiliaryType struct {
	AuxType string
	Subtype []byte
}

func (AuxiliaryType) PropertyType() string { return "auxC" }

// CodecConfig is a codec configuration property such as hvcC or av1C.
// Data is the box payload, to be handed to the matching codec.
type CodecConfig struct {
	Type string
	Data []byte
}

func (p CodecConfig) PropertyType() string { return p.Type }

// RawProperty is a property this package does not interpret, kept
// verbatim.
type RawProperty struct {
	Type string
	Data []byte
}

func (p RawProperty) PropertyType() string { return p.Type }

func parseProperty(t bmff.BoxType, data []byte) (Property, error) {
	typ := t.String()
	r := newBreader(data)
	switch typ {
	case "ispe":
		r.skip(4) // version and flags
		w, h := r.uint32(), r.uint32()
		if !r.ok {
			return nil, errors.New("truncated")
		}
		return ImageSpatialExtentsProperty{ImageWidth: w, ImageHeight: h}, nil
	case "irot":
		v := r.uint8()
		if !r.ok {
			return nil, errors.New("truncated")
		}
		return ImageRotation{Angle: v & 3}, nil
	case "imir":
		v := r.uint8()
		if !r.ok {
			return nil, errors.New("truncated")
		}
		return ImageMirror{Axis: v & 1}, nil
	case "clap":
		c := CleanAperture{
			WidthN: r.uint32(), WidthD: r.uint32(),
			HeightN: r.uint32(), HeightD: r.uint32(),
		}
		c.HorizOffN = int32(r.uint32())
		c.HorizOffD = r.uint32()
		c.VertOffN = int32(r.uint32())
		c.VertOffD = r.uint32()
		if !r.ok {
			return nil, errors.New("truncated")
		}
		return c, nil
	case "pixi":
		r.skip(4) // version and flags
		n := int(r.uint8())
		bits := r.bytes(n)
		if !r.ok {
			return nil, errors.New("truncated")
		}
		return PixelInformation{BitsPerChannel: bits}, nil
	case "auxC":
		r.skip(4) // version and flags
		urn := r.str()
		sub := r.bytes(r.remaining())
		if !r.ok {
			return nil, errors.New("truncated")
		}
		return AuxiliaryType{AuxType: urn, Subtype: sub}, nil
	}
	// Codec configuration properties conventionally end in a capital
	// C: hvcC, av1C, avcC. auxC is handled above.
	if t[3] == 'C' {
		return CodecConfig{Type: typ, Data: data}, nil
	}
	return RawProperty{Type: typ, Data: data}, nil
}
