package heifbox

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"

	"github.com/isoworks/heifbox/heif"
	"github.com/isoworks/heifbox/pix"
)

// maxCanvasPixels bounds the overlay canvas allocation, since its
// dimensions come straight from the file.
const maxCanvasPixels = 1 << 26

// gridInfo is the payload of a grid item: a rows-by-cols mosaic of
// equally sized tiles, cropped to the declared output size.
type gridInfo struct {
	rows, cols    int
	width, height int
}

func parseGrid(data []byte) (gridInfo, error) {
	var g gridInfo
	if len(data) < 8 {
		return g, fmt.Errorf("%w: grid payload of %d bytes", heif.ErrInconsistentMeta, len(data))
	}
	if data[0] != 0 {
		return g, fmt.Errorf("heifbox: grid version %d not supported", data[0])
	}
	g.rows = int(data[2]) + 1
	g.cols = int(data[3]) + 1
	if data[1]&1 != 0 {
		// Flag bit 0 widens the output dimensions to 32 bits.
		if len(data) < 12 {
			return g, fmt.Errorf("%w: grid payload of %d bytes", heif.ErrInconsistentMeta, len(data))
		}
		g.width = int(binary.BigEndian.Uint32(data[4:8]))
		g.height = int(binary.BigEndian.Uint32(data[8:12]))
	} else {
		g.width = int(binary.BigEndian.Uint16(data[4:6]))
		g.height = int(binary.BigEndian.Uint16(data[6:8]))
	}
	if g.width <= 0 || g.height <= 0 {
		return g, fmt.Errorf("%w: grid output %dx%d", heif.ErrInconsistentMeta, g.width, g.height)
	}
	return g, nil
}

// decodeGrid assembles a grid item by decoding its tiles in row-major
// reference order and blitting them into a mosaic. All tiles must come
// out the same size, layout and depth.
func decodeGrid(f *heif.File, it *heif.Item, o *Options, depth int) (*pix.Image, error) {
	payload, err := it.Data()
	if err != nil {
		return nil, err
	}
	g, err := parseGrid(payload)
	if err != nil {
		return nil, err
	}
	refs := it.Reference("dimg")
	if refs == nil {
		return nil, fmt.Errorf("%w: grid item %d has no dimg reference", heif.ErrInconsistentMeta, it.ID)
	}
	if len(refs) != g.rows*g.cols {
		return nil, fmt.Errorf("%w: grid item %d names %d tiles for %d cells",
			heif.ErrInconsistentMeta, it.ID, len(refs), g.rows*g.cols)
	}

	var out *pix.Image
	var tileW, tileH int
	for i, id := range refs {
		tile, err := f.ItemByID(id)
		if err != nil {
			return nil, fmt.Errorf("%w: grid tile %d not declared", heif.ErrInconsistentMeta, id)
		}
		timg, err := decodeItem(f, tile, o, depth+1)
		if err != nil {
			return nil, fmt.Errorf("grid tile %d: %w", id, err)
		}
		if out == nil {
			tileW, tileH = timg.Width, timg.Height
			if cells := g.rows * g.cols; tileW*tileH > maxCanvasPixels/cells {
				return nil, fmt.Errorf("%w: %d cells of %dx%d tiles", heif.ErrInconsistentMeta, cells, tileW, tileH)
			}
			out, err = pix.New(tileW*g.cols, tileH*g.rows, timg.Depth, timg.Layout)
			if err != nil {
				return nil, err
			}
		}
		if timg.Width != tileW || timg.Height != tileH {
			return nil, fmt.Errorf("%w: grid tile %d is %dx%d, want %dx%d",
				heif.ErrInconsistentMeta, id, timg.Width, timg.Height, tileW, tileH)
		}
		if err := out.Blit(timg, (i%g.cols)*tileW, (i/g.cols)*tileH); err != nil {
			return nil, fmt.Errorf("grid tile %d: %w", id, err)
		}
	}

	if g.width > out.Width || g.height > out.Height {
		return nil, fmt.Errorf("%w: grid output %dx%d exceeds its assembled %dx%d",
			heif.ErrInconsistentMeta, g.width, g.height, out.Width, out.Height)
	}
	if g.width != out.Width || g.height != out.Height {
		// Tiles overshoot the declared size; the excess is padding.
		return out.Crop(image.Rect(0, 0, g.width, g.height))
	}
	return out, nil
}

// overlayInfo is the payload of an iovl item: a filled canvas that the
// constituent images are composited onto at signed offsets.
type overlayInfo struct {
	fill          [4]uint16 // RGBA, 16 bits per channel
	width, height int
	offsets       []image.Point
}

func parseOverlay(data []byte, refs int) (overlayInfo, error) {
	var ov overlayInfo
	if len(data) < 2 {
		return ov, fmt.Errorf("%w: overlay payload of %d bytes", heif.ErrInconsistentMeta, len(data))
	}
	if data[0] != 0 {
		return ov, fmt.Errorf("heifbox: overlay version %d not supported", data[0])
	}
	field := 2
	if data[1]&1 != 0 {
		field = 4
	}
	if len(data) < 2+8+2*field+refs*2*field {
		return ov, fmt.Errorf("%w: overlay payload of %d bytes for %d references", heif.ErrInconsistentMeta, len(data), refs)
	}
	pos := 2
	for i := range ov.fill {
		ov.fill[i] = binary.BigEndian.Uint16(data[pos:])
		pos += 2
	}
	ov.width = int(fieldAt(data, pos, field))
	ov.height = int(fieldAt(data, pos+field, field))
	pos += 2 * field
	if ov.width <= 0 || ov.height <= 0 || ov.width*ov.height > maxCanvasPixels {
		return ov, fmt.Errorf("%w: overlay canvas %dx%d", heif.ErrInconsistentMeta, ov.width, ov.height)
	}
	for i := 0; i < refs; i++ {
		ov.offsets = append(ov.offsets, image.Pt(
			signedAt(data, pos, field),
			signedAt(data, pos+field, field),
		))
		pos += 2 * field
	}
	return ov, nil
}

// decodeOverlay composites an iovl item: the canvas takes the declared
// fill color, then each constituent is blitted at its offset in
// reference order, so later images paint over earlier ones. Parts
// reaching outside the canvas are clipped.
func decodeOverlay(f *heif.File, it *heif.Item, o *Options, depth int) (*pix.Image, error) {
	payload, err := it.Data()
	if err != nil {
		return nil, err
	}
	refs := it.Reference("dimg")
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: overlay item %d has no dimg reference", heif.ErrInconsistentMeta, it.ID)
	}
	ov, err := parseOverlay(payload, len(refs))
	if err != nil {
		return nil, err
	}

	var canvas *pix.Image
	for i, id := range refs {
		part, err := f.ItemByID(id)
		if err != nil {
			return nil, fmt.Errorf("%w: overlay part %d not declared", heif.ErrInconsistentMeta, id)
		}
		pimg, err := decodeItem(f, part, o, depth+1)
		if err != nil {
			return nil, fmt.Errorf("overlay part %d: %w", id, err)
		}
		if canvas == nil {
			canvas, err = pix.New(ov.width, ov.height, pimg.Depth, pimg.Layout)
			if err != nil {
				return nil, err
			}
			fillCanvas(canvas, ov.fill)
		}
		if err := canvas.Blit(pimg, ov.offsets[i].X, ov.offsets[i].Y); err != nil {
			return nil, fmt.Errorf("overlay part %d: %w", id, err)
		}
	}
	return canvas, nil
}

// fillCanvas primes the canvas with the overlay's background color,
// reduced from 16-bit RGBA to the canvas colorspace. The alpha value
// has no plane to land in and is dropped.
func fillCanvas(canvas *pix.Image, fill [4]uint16) {
	y, cb, cr := color.RGBToYCbCr(uint8(fill[0]>>8), uint8(fill[1]>>8), uint8(fill[2]>>8))
	shift := canvas.Depth - 8
	canvas.Fill(int(y)<<shift, int(cb)<<shift, int(cr)<<shift)
}

func fieldAt(data []byte, pos, size int) uint32 {
	if size == 4 {
		return binary.BigEndian.Uint32(data[pos:])
	}
	return uint32(binary.BigEndian.Uint16(data[pos:]))
}

func signedAt(data []byte, pos, size int) int {
	if size == 4 {
		return int(int32(binary.BigEndian.Uint32(data[pos:])))
	}
	return int(int16(binary.BigEndian.Uint16(data[pos:])))
}
