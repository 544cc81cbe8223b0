// Package heifbox decodes and encodes still images stored in
// HEIF-style box containers. The container metadata is interpreted by
// the heif subpackage; the coded pixels are handed to whichever codec
// the registry holds for the item's type, and the decoded planes are
// run through the transforms the item declares: crop, then rotation,
// then mirroring. Composite items (grids and overlays) are assembled
// from their constituent items.
package heifbox

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/isoworks/heifbox/codec"
	"github.com/isoworks/heifbox/heif"
	"github.com/isoworks/heifbox/pix"
)

// maxCompositeDepth bounds recursion through grid and overlay
// constituents, which reference items by ID and could otherwise form a
// loop.
const maxCompositeDepth = 8

// Decode reads a HEIF container from r and returns its primary image.
// It accepts an optional Options struct to select the codec registry
// and enable EXIF auto-orientation.
func Decode(r io.Reader, opts ...*Options) (image.Image, error) {
	o := options(opts)
	ra, size, err := asReaderAt(r)
	if err != nil {
		return nil, err
	}
	f, err := heif.Open(ra, size)
	if err != nil {
		return nil, err
	}
	it, err := f.PrimaryItem()
	if err != nil {
		return nil, err
	}
	return decodeToImage(f, it, o, fileOrientation(f, o))
}

// DecodeItem decodes one item of a container by ID. The item may be a
// coded image or a grid or overlay composite.
func DecodeItem(ra io.ReaderAt, size int64, id uint32, opts ...*Options) (image.Image, error) {
	o := options(opts)
	f, err := heif.Open(ra, size)
	if err != nil {
		return nil, err
	}
	it, err := f.ItemByID(id)
	if err != nil {
		return nil, err
	}
	return decodeToImage(f, it, o, fileOrientation(f, o))
}

// DecodeConfig returns the color model and dimensions of the primary
// image without decoding pixels. Dimensions account for the crop and
// rotation properties the item declares, but not for any EXIF
// orientation.
func DecodeConfig(r io.Reader) (image.Config, error) {
	var config image.Config
	ra, size, err := asReaderAt(r)
	if err != nil {
		return config, err
	}
	f, err := heif.Open(ra, size)
	if err != nil {
		return config, err
	}
	it, err := f.PrimaryItem()
	if err != nil {
		return config, err
	}
	width, height, ok := it.VisualDimensions()
	if !ok {
		return config, fmt.Errorf("%w: primary item has no spatial extents", heif.ErrInconsistentMeta)
	}
	config = image.Config{
		ColorModel: color.YCbCrModel,
		Width:      width,
		Height:     height,
	}
	if bits, ok := it.BitDepths(); ok && len(bits) == 1 {
		config.ColorModel = color.GrayModel
		if bits[0] > 8 {
			config.ColorModel = color.Gray16Model
		}
	}
	return config, nil
}

// Encode writes m to w as a single-image container, coded with the
// codec EncodeOptions selects. The emitted file carries the image as
// its primary item.
func Encode(w io.Writer, m image.Image, opts ...*EncodeOptions) error {
	o := encodeOptions(opts)
	tag := o.codec()
	if len(tag) != 4 {
		return fmt.Errorf("heifbox: codec %q is not a 4-character type", tag)
	}
	enc, err := o.registry().Encoder(codec.TagOf(tag))
	if err != nil {
		return err
	}
	img := pix.FromImage(m)
	config, data, err := enc.Encode(img)
	if err != nil {
		return fmt.Errorf("heifbox: encoding %q: %w", tag, err)
	}

	props := []heif.Property{
		heif.ImageSpatialExtentsProperty{
			ImageWidth:  uint32(img.Width),
			ImageHeight: uint32(img.Height),
		},
	}
	if len(config) > 0 {
		props = append(props, heif.CodecConfig{Type: configPropertyType(tag), Data: config})
	}
	bits := make([]uint8, img.Layout.PlaneCount())
	for i := range bits {
		bits[i] = uint8(img.Depth)
	}
	props = append(props, heif.PixelInformation{BitsPerChannel: bits})

	fw := heif.NewWriter()
	fw.SetBrands("mif1", 0, "mif1", "heix")
	main := fw.AddItem(tag, data, props...)
	fw.SetPrimary(main.ID)
	if len(o.Exif) > 0 {
		// The payload starts with a 4-byte offset to the TIFF header.
		payload := append(make([]byte, 4), o.Exif...)
		ex := fw.AddItem("Exif", payload)
		ex.Hidden = true
		fw.AddReference(ex.ID, "cdsc", main.ID)
	}
	_, err = fw.WriteTo(w)
	return err
}

// configPropertyType names the codec configuration property for a
// coded item type. Configuration boxes keep the first three characters
// of the type and end in a capital C: hvc1 carries hvcC, av01 carries
// av1C, zraw carries zraC.
func configPropertyType(tag string) string {
	return tag[:3] + "C"
}

// decodeToImage runs the full single-item pipeline and converts the
// result for the standard library.
func decodeToImage(f *heif.File, it *heif.Item, o *Options, orientation int) (image.Image, error) {
	img, err := decodeItem(f, it, o, 0)
	if err != nil {
		return nil, err
	}
	if orientation > 1 {
		img = orient(img, orientation)
	}
	return img.ToImage()
}

// decodeItem produces the item's pixels: coded items go through their
// codec, composites are assembled recursively. The item's own crop,
// rotation and mirror properties are applied last, in that order.
func decodeItem(f *heif.File, it *heif.Item, o *Options, depth int) (*pix.Image, error) {
	if depth > maxCompositeDepth {
		return nil, fmt.Errorf("%w: composite items nested deeper than %d", heif.ErrInconsistentMeta, maxCompositeDepth)
	}
	if missing := it.UnsupportedEssential(); len(missing) > 0 {
		return nil, fmt.Errorf("heifbox: item %d carries unsupported essential properties %v", it.ID, missing)
	}

	var img *pix.Image
	var err error
	switch it.Type {
	case "grid":
		img, err = decodeGrid(f, it, o, depth)
	case "iovl":
		img, err = decodeOverlay(f, it, o, depth)
	default:
		img, err = decodeCoded(it, o)
	}
	if err != nil {
		return nil, err
	}
	return applyTransforms(img, it)
}

// decodeCoded feeds the item's codec configuration and payload to a
// fresh decoder from the registry.
func decodeCoded(it *heif.Item, o *Options) (*pix.Image, error) {
	if len(it.Type) != 4 {
		return nil, fmt.Errorf("%w %q", codec.ErrUnsupported, it.Type)
	}
	tag := codec.TagOf(it.Type)
	dec, err := o.registry().Decoder(tag)
	if err != nil {
		return nil, err
	}
	if c, ok := dec.(io.Closer); ok {
		defer c.Close()
	}
	config, _ := it.CodecConfig()
	data, err := it.Data()
	if err != nil {
		return nil, err
	}
	img, err := dec.Decode(config, data)
	if err != nil {
		return nil, &codec.DecodeError{Tag: tag, Err: err}
	}
	return img, nil
}

// applyTransforms applies the item's geometric properties in the
// canonical order: clean-aperture crop, then rotation, then mirroring.
// Each transform redefines the coordinate frame of the next, so the
// order is part of the format.
func applyTransforms(img *pix.Image, it *heif.Item) (*pix.Image, error) {
	if c, ok := it.CleanAperture(); ok {
		r, err := c.Rect(img.Width, img.Height)
		if err != nil {
			return nil, err
		}
		if img, err = img.Crop(r); err != nil {
			return nil, err
		}
	}
	if turns := it.Rotations(); turns != 0 {
		img = img.Rotate(turns)
	}
	if axis, ok := it.Mirror(); ok {
		img = img.Mirror(pix.Axis(axis))
	}
	return img, nil
}

// asReaderAt adapts a stream to the random-access form the parser
// needs, buffering it when the reader cannot report its size.
func asReaderAt(r io.Reader) (io.ReaderAt, int64, error) {
	type sizedReaderAt interface {
		io.ReaderAt
		Size() int64
	}
	if ra, ok := r.(sizedReaderAt); ok {
		return ra, ra.Size(), nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}
