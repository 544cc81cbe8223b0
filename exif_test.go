package heifbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"testing"

	"github.com/isoworks/heifbox/heif"
)

// exifTIFF builds a minimal little-endian TIFF whose only IFD entry is
// the orientation tag.
func exifTIFF(orientation uint16) []byte {
	b := []byte("II\x2a\x00\x08\x00\x00\x00")
	b = binary.LittleEndian.AppendUint16(b, 1)      // entry count
	b = binary.LittleEndian.AppendUint16(b, 0x0112) // Orientation
	b = binary.LittleEndian.AppendUint16(b, 3)      // SHORT
	b = binary.LittleEndian.AppendUint32(b, 1)      // value count
	b = binary.LittleEndian.AppendUint16(b, orientation)
	b = append(b, 0, 0)                        // value field padding
	b = binary.LittleEndian.AppendUint32(b, 0) // no next IFD
	return b
}

func encodeWithExif(t *testing.T, m image.Image, tiff []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := Encode(&buf, m, &EncodeOptions{Exif: tiff}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.Bytes()
}

func TestExtractExif(t *testing.T) {
	tiff := exifTIFF(6)
	buf := encodeWithExif(t, image.NewGray(image.Rect(0, 0, 2, 2)), tiff)

	got, err := ExtractExif(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		t.Fatalf("ExtractExif: %v", err)
	}
	if !bytes.Equal(got, tiff) {
		t.Fatalf("EXIF payload = % x, want % x", got, tiff)
	}
}

func TestExtractExifMissing(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := ExtractExif(bytes.NewReader(buf.Bytes()), int64(buf.Len())); !errors.Is(err, heif.ErrNoEXIF) {
		t.Fatalf("err = %v, want ErrNoEXIF", err)
	}
}

func TestOrientation(t *testing.T) {
	buf := encodeWithExif(t, image.NewGray(image.Rect(0, 0, 2, 2)), exifTIFF(6))
	v, err := Orientation(bytes.NewReader(buf), int64(len(buf)))
	if err != nil || v != 6 {
		t.Fatalf("Orientation = %d, %v, want 6", v, err)
	}
}

func TestOrientationMissingTag(t *testing.T) {
	// A TIFF with an empty IFD carries no orientation; that reads as
	// the neutral value, not an error.
	empty := []byte("II\x2a\x00\x08\x00\x00\x00\x00\x00\x00\x00\x00\x00")
	buf := encodeWithExif(t, image.NewGray(image.Rect(0, 0, 2, 2)), empty)
	v, err := Orientation(bytes.NewReader(buf), int64(len(buf)))
	if err != nil || v != 1 {
		t.Fatalf("Orientation = %d, %v, want 1", v, err)
	}
}

func TestDecodeAutoOrient(t *testing.T) {
	stored := image.NewGray(image.Rect(0, 0, 2, 1))
	stored.Pix[0], stored.Pix[1] = 1, 2
	buf := encodeWithExif(t, stored, exifTIFF(8))

	g := decodeGray(t, buf, &Options{AutoOrient: true})
	if g.Rect.Dx() != 1 || g.Rect.Dy() != 2 {
		t.Fatalf("oriented image is %v, want 1x2", g.Rect)
	}
	if g.Pix[0] != 2 || g.Pix[1] != 1 {
		t.Fatalf("oriented pixels %v", g.Pix)
	}

	// Without the option the stored geometry comes back untouched.
	g = decodeGray(t, buf)
	if g.Rect.Dx() != 2 || g.Rect.Dy() != 1 || g.Pix[0] != 1 {
		t.Fatalf("plain decode came back %v %v", g.Rect, g.Pix)
	}
}

func TestOrientMapping(t *testing.T) {
	src := grayPix(t, []byte{1, 2})
	cases := []struct {
		orientation int
		w, h        int
		pixels      []byte
	}{
		{1, 2, 1, []byte{1, 2}},
		{2, 2, 1, []byte{2, 1}},
		{3, 2, 1, []byte{2, 1}},
		{4, 2, 1, []byte{1, 2}},
		{5, 1, 2, []byte{1, 2}},
		{6, 1, 2, []byte{1, 2}},
		{7, 1, 2, []byte{2, 1}},
		{8, 1, 2, []byte{2, 1}},
	}
	for _, tc := range cases {
		got := orient(src, tc.orientation)
		if got.Width != tc.w || got.Height != tc.h {
			t.Errorf("orientation %d: %dx%d, want %dx%d",
				tc.orientation, got.Width, got.Height, tc.w, tc.h)
		}
		if !bytes.Equal(got.Planes[0], tc.pixels) {
			t.Errorf("orientation %d: samples %v, want %v", tc.orientation, got.Planes[0], tc.pixels)
		}
	}
}
