package heifbox

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/isoworks/heifbox/codec"
	"github.com/isoworks/heifbox/heif"
	"github.com/isoworks/heifbox/pix"
	"github.com/isoworks/heifbox/zraw"
)

// grayPix builds an 8-bit luma-only planar image from rows of samples.
func grayPix(t *testing.T, rows ...[]byte) *pix.Image {
	t.Helper()
	img, err := pix.New(len(rows[0]), len(rows), 8, pix.Layout400)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for y, row := range rows {
		copy(img.Planes[0][y*img.Stride[0]:], row)
	}
	return img
}

// codedItem compresses img losslessly and adds it to w with its
// spatial extents, configuration and any extra properties.
func codedItem(t *testing.T, w *heif.Writer, img *pix.Image, props ...heif.Property) *heif.WriterItem {
	t.Helper()
	config, data, err := (zraw.Encoder{}).Encode(img)
	if err != nil {
		t.Fatalf("zraw encode: %v", err)
	}
	all := []heif.Property{
		heif.ImageSpatialExtentsProperty{ImageWidth: uint32(img.Width), ImageHeight: uint32(img.Height)},
		heif.CodecConfig{Type: zraw.ConfigBoxType, Data: config},
	}
	all = append(all, props...)
	return w.AddItem(zraw.ItemType, data, all...)
}

func fileBytes(t *testing.T, w *heif.Writer) []byte {
	t.Helper()
	buf, err := w.Bytes()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf
}

func decodeGray(t *testing.T, buf []byte, opts ...*Options) *image.Gray {
	t.Helper()
	img, err := Decode(bytes.NewReader(buf), opts...)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	g, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("decoded %T, want *image.Gray", img)
	}
	return g
}

func TestEncodeDecodeYCbCr(t *testing.T) {
	src := image.NewYCbCr(image.Rect(0, 0, 8, 6), image.YCbCrSubsampleRatio420)
	for i := range src.Y {
		src.Y[i] = byte(i * 3)
	}
	for i := range src.Cb {
		src.Cb[i] = byte(100 + i)
		src.Cr[i] = byte(200 - i)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, src); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ycc, ok := got.(*image.YCbCr)
	if !ok {
		t.Fatalf("decoded %T, want *image.YCbCr", got)
	}
	if ycc.SubsampleRatio != image.YCbCrSubsampleRatio420 {
		t.Fatalf("subsample ratio %v after round trip", ycc.SubsampleRatio)
	}
	if !bytes.Equal(ycc.Y, src.Y) || !bytes.Equal(ycc.Cb, src.Cb) || !bytes.Equal(ycc.Cr, src.Cr) {
		t.Fatal("planes changed through the round trip")
	}
}

func TestEncodeDecodeGray16(t *testing.T) {
	src := image.NewGray16(image.Rect(0, 0, 3, 2))
	for i, v := range []uint16{0x0102, 0x0a0b, 0xfffe, 0x0000, 0x8000, 0x00ff} {
		src.Pix[2*i] = byte(v >> 8)
		src.Pix[2*i+1] = byte(v)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, src); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	g, ok := got.(*image.Gray16)
	if !ok {
		t.Fatalf("decoded %T, want *image.Gray16", got)
	}
	if !bytes.Equal(g.Pix, src.Pix) {
		t.Fatal("16-bit samples changed through the round trip")
	}
}

func TestDecodeConfig(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, image.NewGray(image.Rect(0, 0, 7, 5))); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	cfg, err := DecodeConfig(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Width != 7 || cfg.Height != 5 {
		t.Fatalf("config %dx%d, want 7x5", cfg.Width, cfg.Height)
	}
	if cfg.ColorModel != color.GrayModel {
		t.Fatalf("color model %v, want Gray", cfg.ColorModel)
	}
}

func TestDecodeConfigRotated(t *testing.T) {
	w := heif.NewWriter()
	it := codedItem(t, w, grayPix(t, []byte{1, 2, 3}, []byte{4, 5, 6}), heif.ImageRotation{Angle: 1})
	w.SetPrimary(it.ID)

	cfg, err := DecodeConfig(bytes.NewReader(fileBytes(t, w)))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	// A quarter turn swaps the stored 3x2 to 2x3.
	if cfg.Width != 2 || cfg.Height != 3 {
		t.Fatalf("config %dx%d, want 2x3", cfg.Width, cfg.Height)
	}
}

func TestImageDecodeFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, format, err := image.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("image.Decode: %v", err)
	}
	if format != "heif" {
		t.Fatalf("format %q, want heif", format)
	}
}

func TestDecodeAppliesTransformOrder(t *testing.T) {
	clap := heif.CleanAperture{
		WidthN: 2, WidthD: 1, HeightN: 2, HeightD: 1,
		HorizOffD: 1, VertOffD: 1,
	}
	w := heif.NewWriter()
	it := codedItem(t, w, grayPix(t,
		[]byte{1, 2, 3, 4},
		[]byte{5, 6, 7, 8},
	), clap, heif.ImageRotation{Angle: 1})
	w.SetPrimary(it.ID)

	g := decodeGray(t, fileBytes(t, w))
	// The centered 2x2 aperture keeps columns 1 and 2; rotating that
	// crop one quarter turn puts its right column on top. Rotating
	// before cropping would pick different samples entirely.
	if g.Rect.Dx() != 2 || g.Rect.Dy() != 2 {
		t.Fatalf("decoded %v, want 2x2", g.Rect)
	}
	if want := []byte{3, 7, 2, 6}; !bytes.Equal(g.Pix, want) {
		t.Fatalf("pixels %v, want %v", g.Pix, want)
	}
}

func TestDecodeAppliesMirror(t *testing.T) {
	w := heif.NewWriter()
	it := codedItem(t, w, grayPix(t, []byte{1, 2}), heif.ImageMirror{Axis: 0})
	w.SetPrimary(it.ID)

	g := decodeGray(t, fileBytes(t, w))
	if want := []byte{2, 1}; !bytes.Equal(g.Pix, want) {
		t.Fatalf("pixels %v, want %v", g.Pix, want)
	}
}

func TestDecodeUnsupportedCodec(t *testing.T) {
	w := heif.NewWriter()
	it := w.AddItem("hvc1", []byte{1, 2, 3},
		heif.ImageSpatialExtentsProperty{ImageWidth: 1, ImageHeight: 1})
	w.SetPrimary(it.ID)

	_, err := Decode(bytes.NewReader(fileBytes(t, w)))
	if !errors.Is(err, codec.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestDecodeCustomRegistry(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	reg := codec.NewRegistry()
	_, err := Decode(bytes.NewReader(buf.Bytes()), &Options{Registry: reg})
	if !errors.Is(err, codec.ErrUnsupported) {
		t.Fatalf("empty registry: err = %v, want ErrUnsupported", err)
	}

	zraw.Register(reg)
	if _, err := Decode(bytes.NewReader(buf.Bytes()), &Options{Registry: reg}); err != nil {
		t.Fatalf("after registering: %v", err)
	}
}

func TestDecodeCorruptPayload(t *testing.T) {
	config, _, err := (zraw.Encoder{}).Encode(grayPix(t, []byte{1, 2}))
	if err != nil {
		t.Fatalf("zraw encode: %v", err)
	}
	w := heif.NewWriter()
	it := w.AddItem(zraw.ItemType, []byte("definitely not a zstd stream"),
		heif.ImageSpatialExtentsProperty{ImageWidth: 2, ImageHeight: 1},
		heif.CodecConfig{Type: zraw.ConfigBoxType, Data: config})
	w.SetPrimary(it.ID)

	_, err = Decode(bytes.NewReader(fileBytes(t, w)))
	var de *codec.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want a DecodeError", err)
	}
	if de.Tag != codec.TagOf(zraw.ItemType) {
		t.Fatalf("failing tag %q", de.Tag)
	}
}

func TestDecodeItemByID(t *testing.T) {
	w := heif.NewWriter()
	a := codedItem(t, w, grayPix(t, []byte{9}))
	b := codedItem(t, w, grayPix(t, []byte{7, 7}, []byte{7, 7}))
	w.SetPrimary(b.ID)
	buf := fileBytes(t, w)

	img, err := DecodeItem(bytes.NewReader(buf), int64(len(buf)), a.ID)
	if err != nil {
		t.Fatalf("DecodeItem: %v", err)
	}
	if g := img.(*image.Gray); g.Pix[0] != 9 {
		t.Fatalf("item %d decoded to %v", a.ID, g.Pix)
	}
	if _, err := DecodeItem(bytes.NewReader(buf), int64(len(buf)), 99); !errors.Is(err, heif.ErrUnknownItem) {
		t.Fatalf("unknown id: err = %v", err)
	}
}

func gridPayload(rows, cols, width, height int) []byte {
	return []byte{
		0, 0, byte(rows - 1), byte(cols - 1),
		byte(width >> 8), byte(width), byte(height >> 8), byte(height),
	}
}

// gridFile lays four distinct 2x2 tiles into a two-by-two mosaic.
func gridFile(t *testing.T, declaredW, declaredH int) []byte {
	t.Helper()
	w := heif.NewWriter()
	tiles := []*pix.Image{
		grayPix(t, []byte{1, 2}, []byte{3, 4}),
		grayPix(t, []byte{5, 6}, []byte{7, 8}),
		grayPix(t, []byte{9, 10}, []byte{11, 12}),
		grayPix(t, []byte{13, 14}, []byte{15, 16}),
	}
	var ids []uint32
	for _, tile := range tiles {
		it := codedItem(t, w, tile)
		it.Hidden = true
		ids = append(ids, it.ID)
	}
	grid := w.AddItem("grid", gridPayload(2, 2, declaredW, declaredH),
		heif.ImageSpatialExtentsProperty{ImageWidth: uint32(declaredW), ImageHeight: uint32(declaredH)})
	w.AddReference(grid.ID, "dimg", ids...)
	w.SetPrimary(grid.ID)
	return fileBytes(t, w)
}

func TestDecodeGrid(t *testing.T) {
	g := decodeGray(t, gridFile(t, 4, 4))
	want := []byte{
		1, 2, 5, 6,
		3, 4, 7, 8,
		9, 10, 13, 14,
		11, 12, 15, 16,
	}
	if g.Rect.Dx() != 4 || g.Rect.Dy() != 4 {
		t.Fatalf("grid decoded to %v, want 4x4", g.Rect)
	}
	if !bytes.Equal(g.Pix, want) {
		t.Fatalf("grid pixels %v, want %v", g.Pix, want)
	}
}

func TestDecodeGridCropsToDeclaredSize(t *testing.T) {
	g := decodeGray(t, gridFile(t, 3, 3))
	want := []byte{
		1, 2, 5,
		3, 4, 7,
		9, 10, 13,
	}
	if g.Rect.Dx() != 3 || g.Rect.Dy() != 3 {
		t.Fatalf("grid decoded to %v, want 3x3", g.Rect)
	}
	if !bytes.Equal(g.Pix, want) {
		t.Fatalf("grid pixels %v, want %v", g.Pix, want)
	}
}

func TestDecodeGridTileCountMismatch(t *testing.T) {
	w := heif.NewWriter()
	var ids []uint32
	for i := 0; i < 3; i++ {
		it := codedItem(t, w, grayPix(t, []byte{byte(i)}))
		ids = append(ids, it.ID)
	}
	grid := w.AddItem("grid", gridPayload(2, 2, 2, 2),
		heif.ImageSpatialExtentsProperty{ImageWidth: 2, ImageHeight: 2})
	w.AddReference(grid.ID, "dimg", ids...)
	w.SetPrimary(grid.ID)

	_, err := Decode(bytes.NewReader(fileBytes(t, w)))
	if !errors.Is(err, heif.ErrInconsistentMeta) {
		t.Fatalf("err = %v, want ErrInconsistentMeta", err)
	}
}

func TestDecodeGridUnevenTiles(t *testing.T) {
	w := heif.NewWriter()
	a := codedItem(t, w, grayPix(t, []byte{1, 2}, []byte{3, 4}))
	b := codedItem(t, w, grayPix(t, []byte{5}))
	grid := w.AddItem("grid", gridPayload(1, 2, 4, 2),
		heif.ImageSpatialExtentsProperty{ImageWidth: 4, ImageHeight: 2})
	w.AddReference(grid.ID, "dimg", a.ID, b.ID)
	w.SetPrimary(grid.ID)

	_, err := Decode(bytes.NewReader(fileBytes(t, w)))
	if !errors.Is(err, heif.ErrInconsistentMeta) {
		t.Fatalf("err = %v, want ErrInconsistentMeta", err)
	}
}

func TestDecodeGridLoop(t *testing.T) {
	w := heif.NewWriter()
	grid := w.AddItem("grid", gridPayload(1, 1, 2, 2),
		heif.ImageSpatialExtentsProperty{ImageWidth: 2, ImageHeight: 2})
	w.AddReference(grid.ID, "dimg", grid.ID)
	w.SetPrimary(grid.ID)

	_, err := Decode(bytes.NewReader(fileBytes(t, w)))
	if !errors.Is(err, heif.ErrInconsistentMeta) {
		t.Fatalf("self-referencing grid: err = %v, want ErrInconsistentMeta", err)
	}
}

func overlayPayload(fill [4]uint16, width, height int, offsets ...image.Point) []byte {
	p := []byte{0, 0}
	for _, v := range fill {
		p = append(p, byte(v>>8), byte(v))
	}
	p = append(p, byte(width>>8), byte(width), byte(height>>8), byte(height))
	for _, off := range offsets {
		p = append(p, byte(off.X>>8), byte(off.X), byte(off.Y>>8), byte(off.Y))
	}
	return p
}

func TestDecodeOverlay(t *testing.T) {
	w := heif.NewWriter()
	a := codedItem(t, w, grayPix(t, []byte{1, 1}, []byte{1, 1}))
	a.Hidden = true
	b := codedItem(t, w, grayPix(t, []byte{2, 2}, []byte{2, 2}))
	b.Hidden = true
	// Mid-gray fill: equal RGB components land on luma 128 exactly.
	fill := [4]uint16{0x8080, 0x8080, 0x8080, 0xffff}
	ovl := w.AddItem("iovl", overlayPayload(fill, 3, 3, image.Pt(0, 0), image.Pt(1, 1)),
		heif.ImageSpatialExtentsProperty{ImageWidth: 3, ImageHeight: 3})
	w.AddReference(ovl.ID, "dimg", a.ID, b.ID)
	w.SetPrimary(ovl.ID)

	g := decodeGray(t, fileBytes(t, w))
	// The later part paints over the earlier one where they overlap;
	// untouched canvas keeps the fill.
	want := []byte{
		1, 1, 128,
		1, 2, 2,
		128, 2, 2,
	}
	if !bytes.Equal(g.Pix, want) {
		t.Fatalf("overlay pixels %v, want %v", g.Pix, want)
	}
}

func TestDecodeOverlayClipsParts(t *testing.T) {
	w := heif.NewWriter()
	a := codedItem(t, w, grayPix(t, []byte{1, 2}, []byte{3, 4}))
	a.Hidden = true
	ovl := w.AddItem("iovl", overlayPayload([4]uint16{}, 2, 2, image.Pt(-1, -1)),
		heif.ImageSpatialExtentsProperty{ImageWidth: 2, ImageHeight: 2})
	w.AddReference(ovl.ID, "dimg", a.ID)
	w.SetPrimary(ovl.ID)

	g := decodeGray(t, fileBytes(t, w))
	// Only the part's bottom-right sample stays on canvas.
	if want := []byte{4, 0, 0, 0}; !bytes.Equal(g.Pix, want) {
		t.Fatalf("overlay pixels %v, want %v", g.Pix, want)
	}
}

func TestDecodeOverlayShortPayload(t *testing.T) {
	w := heif.NewWriter()
	a := codedItem(t, w, grayPix(t, []byte{1}))
	a.Hidden = true
	// Payload declares no offsets for its one reference.
	ovl := w.AddItem("iovl", overlayPayload([4]uint16{}, 2, 2),
		heif.ImageSpatialExtentsProperty{ImageWidth: 2, ImageHeight: 2})
	w.AddReference(ovl.ID, "dimg", a.ID)
	w.SetPrimary(ovl.ID)

	_, err := Decode(bytes.NewReader(fileBytes(t, w)))
	if !errors.Is(err, heif.ErrInconsistentMeta) {
		t.Fatalf("err = %v, want ErrInconsistentMeta", err)
	}
}
