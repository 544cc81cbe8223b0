package heifbox

import (
	"bytes"
	"io"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/isoworks/heifbox/heif"
	"github.com/isoworks/heifbox/pix"
)

// ExtractExif returns the raw TIFF payload of the file's EXIF item,
// or heif.ErrNoEXIF if the file carries none.
func ExtractExif(ra io.ReaderAt, size int64) ([]byte, error) {
	f, err := heif.Open(ra, size)
	if err != nil {
		return nil, err
	}
	return f.EXIF()
}

// Orientation returns the EXIF orientation of the file's primary
// image, a value in 1..8 as defined by TIFF. A file whose EXIF block
// lacks the tag reports 1; a file with no EXIF at all reports
// heif.ErrNoEXIF.
func Orientation(ra io.ReaderAt, size int64) (int, error) {
	f, err := heif.Open(ra, size)
	if err != nil {
		return 0, err
	}
	return orientationOf(f)
}

func orientationOf(f *heif.File) (int, error) {
	raw, err := f.EXIF()
	if err != nil {
		return 0, err
	}
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		// EXIF present but no orientation recorded.
		return 1, nil
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1, nil
	}
	return v, nil
}

// fileOrientation resolves the orientation Decode should undo.
// Unreadable EXIF never fails a decode; it just means no correction.
func fileOrientation(f *heif.File, o *Options) int {
	if !o.AutoOrient {
		return 1
	}
	v, err := orientationOf(f)
	if err != nil {
		return 1
	}
	return v
}

// orient maps a stored image to its upright form per the TIFF
// orientation values.
func orient(img *pix.Image, orientation int) *pix.Image {
	switch orientation {
	case 2:
		return img.Mirror(pix.AxisVertical)
	case 3:
		return img.Rotate(2)
	case 4:
		return img.Mirror(pix.AxisHorizontal)
	case 5:
		return img.Rotate(1).Mirror(pix.AxisHorizontal)
	case 6:
		return img.Rotate(3)
	case 7:
		return img.Rotate(3).Mirror(pix.AxisHorizontal)
	case 8:
		return img.Rotate(1)
	}
	return img
}
