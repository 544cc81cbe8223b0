// Package pix implements the planar YCbCr pixel buffers exchanged with
// the codecs, and the geometric transforms applied to them after
// decoding and before encoding.
package pix

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
)

// Layout is the chroma subsampling of an Image.
type Layout uint8

const (
	Layout400 Layout = iota // luma only
	Layout420               // chroma halved in both directions
	Layout422               // chroma halved horizontally
	Layout444               // full resolution chroma
)

func (l Layout) String() string {
	switch l {
	case Layout400:
		return "4:0:0"
	case Layout420:
		return "4:2:0"
	case Layout422:
		return "4:2:2"
	case Layout444:
		return "4:4:4"
	}
	return fmt.Sprintf("Layout(%d)", uint8(l))
}

func (l Layout) valid() bool { return l <= Layout444 }

// PlaneCount returns the number of planes an image with this layout
// carries.
func (l Layout) PlaneCount() int {
	if l == Layout400 {
		return 1
	}
	return 3
}

// chromaShift returns the log2 horizontal and vertical subsampling
// factors of the chroma planes.
func (l Layout) chromaShift() (sx, sy int) {
	switch l {
	case Layout420:
		return 1, 1
	case Layout422:
		return 1, 0
	}
	return 0, 0
}

// Axis selects a mirror direction, numbered like the imir box.
type Axis uint8

const (
	AxisVertical   Axis = 0 // swap left and right
	AxisHorizontal Axis = 1 // swap top and bottom
)

// Image is a planar image. Planes are Y, then Cb and Cr for layouts
// with chroma. Chroma plane dimensions round up, so odd-sized
// subsampled images are representable. Samples deeper than 8 bits
// occupy two bytes each, big-endian.
type Image struct {
	Width, Height int
	Depth         int // bits per sample, 8 through 16
	Layout        Layout
	Planes        [][]byte
	Stride        []int // bytes per row, per plane
}

// New allocates a zero-filled image.
func New(width, height, depth int, layout Layout) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("pix: invalid dimensions %dx%d", width, height)
	}
	if depth < 8 || depth > 16 {
		return nil, fmt.Errorf("pix: invalid bit depth %d", depth)
	}
	if !layout.valid() {
		return nil, fmt.Errorf("pix: invalid layout %d", uint8(layout))
	}
	return newImage(width, height, depth, layout), nil
}

func newImage(width, height, depth int, layout Layout) *Image {
	p := &Image{Width: width, Height: height, Depth: depth, Layout: layout}
	n := layout.PlaneCount()
	p.Planes = make([][]byte, n)
	p.Stride = make([]int, n)
	bps := p.bytesPerSample()
	for i := 0; i < n; i += 1 {
		w, h := p.PlaneDims(i)
		p.Stride[i] = w * bps
		p.Planes[i] = make([]byte, p.Stride[i]*h)
	}
	return p
}

func (p *Image) bytesPerSample() int {
	if p.Depth > 8 {
		return 2
	}
	return 1
}

// PlaneDims returns the sample dimensions of a plane. Chroma planes of
// subsampled layouts round up.
func (p *Image) PlaneDims(plane int) (w, h int) {
	if plane == 0 {
		return p.Width, p.Height
	}
	sx, sy := p.Layout.chromaShift()
	return (p.Width + (1 << sx) - 1) >> sx, (p.Height + (1 << sy) - 1) >> sy
}

// Clone returns a deep copy.
func (p *Image) Clone() *Image {
	out := &Image{
		Width:  p.Width,
		Height: p.Height,
		Depth:  p.Depth,
		Layout: p.Layout,
		Planes: make([][]byte, len(p.Planes)),
		Stride: append([]int(nil), p.Stride...),
	}
	for i := range p.Planes {
		out.Planes[i] = append([]byte(nil), p.Planes[i]...)
	}
	return out
}

// Fill sets every sample of the image. The cb and cr values are
// ignored for luma-only layouts. Values are in the image's depth
// range.
func (p *Image) Fill(y, cb, cr int) {
	vals := [3]int{y, cb, cr}
	if p.bytesPerSample() == 1 {
		for i := range p.Planes {
			v := byte(vals[i])
			for j := range p.Planes[i] {
				p.Planes[i][j] = v
			}
		}
		return
	}
	for i := range p.Planes {
		hi, lo := byte(vals[i]>>8), byte(vals[i])
		plane := p.Planes[i]
		for j := 0; j+1 < len(plane); j += 2 {
			plane[j] = hi
			plane[j+1] = lo
		}
	}
}

// Crop returns the samples inside r as a new image. If r's origin is
// off the chroma grid of a subsampled layout, the image goes through
// 4:4:4 first so the crop is sample exact.
func (p *Image) Crop(r image.Rectangle) (*Image, error) {
	if r.Empty() || !r.In(image.Rect(0, 0, p.Width, p.Height)) {
		return nil, fmt.Errorf("pix: crop %v outside %dx%d image", r, p.Width, p.Height)
	}
	src := p
	sx, sy := p.Layout.chromaShift()
	if r.Min.X&((1<<sx)-1) != 0 || r.Min.Y&((1<<sy)-1) != 0 {
		src = p.To444()
		sx, sy = 0, 0
	}
	out := newImage(r.Dx(), r.Dy(), src.Depth, src.Layout)
	bps := src.bytesPerSample()
	for i := range src.Planes {
		ox, oy := r.Min.X, r.Min.Y
		if i > 0 {
			ox, oy = ox>>sx, oy>>sy
		}
		w, h := out.PlaneDims(i)
		for y := 0; y < h; y += 1 {
			srow := src.Planes[i][(oy+y)*src.Stride[i]+ox*bps:]
			copy(out.Planes[i][y*out.Stride[i]:y*out.Stride[i]+w*bps], srow[:w*bps])
		}
	}
	return out, nil
}

// Rotate returns the image rotated counterclockwise by turns quarter
// turns. A 4:2:2 image making an odd number of turns is upsampled to
// 4:4:4 first, since its chroma would otherwise end up subsampled
// vertically.
func (p *Image) Rotate(turns int) *Image {
	turns &= 3
	if turns == 0 {
		return p.Clone()
	}
	src := p
	if turns != 2 && src.Layout == Layout422 {
		src = src.To444()
	}
	dw, dh := src.Width, src.Height
	if turns != 2 {
		dw, dh = dh, dw
	}
	out := newImage(dw, dh, src.Depth, src.Layout)
	bps := src.bytesPerSample()
	for i := range src.Planes {
		w, h := src.PlaneDims(i)
		dstStride := out.Stride[i]
		for y := 0; y < h; y += 1 {
			srow := src.Planes[i][y*src.Stride[i]:]
			for x := 0; x < w; x += 1 {
				var dx, dy int
				switch turns {
				case 1:
					dx, dy = y, w-1-x
				case 2:
					dx, dy = w-1-x, h-1-y
				case 3:
					dx, dy = h-1-y, x
				}
				copy(out.Planes[i][dy*dstStride+dx*bps:dy*dstStride+(dx+1)*bps], srow[x*bps:])
			}
		}
	}
	return out
}

// Mirror returns the image flipped across the given axis.
func (p *Image) Mirror(axis Axis) *Image {
	out := newImage(p.Width, p.Height, p.Depth, p.Layout)
	bps := p.bytesPerSample()
	for i := range p.Planes {
		w, h := p.PlaneDims(i)
		for y := 0; y < h; y += 1 {
			srow := p.Planes[i][y*p.Stride[i]:]
			if axis == AxisHorizontal {
				dst := out.Planes[i][(h-1-y)*out.Stride[i]:]
				copy(dst[:w*bps], srow[:w*bps])
				continue
			}
			drow := out.Planes[i][y*out.Stride[i]:]
			for x := 0; x < w; x += 1 {
				copy(drow[(w-1-x)*bps:(w-x)*bps], srow[x*bps:])
			}
		}
	}
	return out
}

// Blit copies src onto p with src's top-left corner at (x, y), which
// may be negative. Samples falling outside p are dropped. Chroma
// positions round down onto p's chroma grid.
func (p *Image) Blit(src *Image, x, y int) error {
	if src.Layout != p.Layout || src.Depth != p.Depth {
		return fmt.Errorf("pix: cannot blit %v %d-bit onto %v %d-bit", src.Layout, src.Depth, p.Layout, p.Depth)
	}
	sx, sy := p.Layout.chromaShift()
	bps := p.bytesPerSample()
	for i := range p.Planes {
		px, py := x, y
		if i > 0 {
			px, py = px>>sx, py>>sy
		}
		sw, sh := src.PlaneDims(i)
		dw, dh := p.PlaneDims(i)
		x0, x1 := max(px, 0), min(px+sw, dw)
		y0, y1 := max(py, 0), min(py+sh, dh)
		for dy := y0; dy < y1; dy += 1 {
			srow := src.Planes[i][(dy-py)*src.Stride[i]+(x0-px)*bps:]
			drow := p.Planes[i][dy*p.Stride[i]+x0*bps:]
			copy(drow[:(x1-x0)*bps], srow[:(x1-x0)*bps])
		}
	}
	return nil
}

// To444 returns the image with chroma upsampled to full resolution by
// sample repetition. Luma-only and 4:4:4 images come back as plain
// copies.
func (p *Image) To444() *Image {
	if p.Layout == Layout444 || p.Layout == Layout400 {
		return p.Clone()
	}
	sx, sy := p.Layout.chromaShift()
	out := newImage(p.Width, p.Height, p.Depth, Layout444)
	bps := p.bytesPerSample()
	for y := 0; y < p.Height; y += 1 {
		copy(out.Planes[0][y*out.Stride[0]:y*out.Stride[0]+p.Width*bps], p.Planes[0][y*p.Stride[0]:])
	}
	for i := 1; i < 3; i += 1 {
		for y := 0; y < p.Height; y += 1 {
			srow := p.Planes[i][(y>>sy)*p.Stride[i]:]
			drow := out.Planes[i][y*out.Stride[i]:]
			for x := 0; x < p.Width; x += 1 {
				copy(drow[x*bps:(x+1)*bps], srow[(x>>sx)*bps:])
			}
		}
	}
	return out
}

// ToImage converts to a standard library image. Luma-only images
// become Gray or Gray16; everything else becomes YCbCr, with samples
// deeper than 8 bits shifted down to 8.
func (p *Image) ToImage() (image.Image, error) {
	r := image.Rect(0, 0, p.Width, p.Height)
	switch {
	case p.Layout == Layout400 && p.Depth == 8:
		g := image.NewGray(r)
		for y := 0; y < p.Height; y += 1 {
			copy(g.Pix[y*g.Stride:y*g.Stride+p.Width], p.Planes[0][y*p.Stride[0]:])
		}
		return g, nil
	case p.Layout == Layout400:
		g := image.NewGray16(r)
		shift := 16 - p.Depth
		for y := 0; y < p.Height; y += 1 {
			srow := p.Planes[0][y*p.Stride[0]:]
			drow := g.Pix[y*g.Stride:]
			for x := 0; x < p.Width; x += 1 {
				v := binary.BigEndian.Uint16(srow[2*x:]) << shift
				binary.BigEndian.PutUint16(drow[2*x:], v)
			}
		}
		return g, nil
	}
	var ratio image.YCbCrSubsampleRatio
	switch p.Layout {
	case Layout420:
		ratio = image.YCbCrSubsampleRatio420
	case Layout422:
		ratio = image.YCbCrSubsampleRatio422
	case Layout444:
		ratio = image.YCbCrSubsampleRatio444
	default:
		return nil, fmt.Errorf("pix: cannot convert layout %v", p.Layout)
	}
	ycc := image.NewYCbCr(r, ratio)
	dsts := [][]byte{ycc.Y, ycc.Cb, ycc.Cr}
	strides := []int{ycc.YStride, ycc.CStride, ycc.CStride}
	shift := p.Depth - 8
	for i := 0; i < 3; i += 1 {
		w, h := p.PlaneDims(i)
		for y := 0; y < h; y += 1 {
			srow := p.Planes[i][y*p.Stride[i]:]
			drow := dsts[i][y*strides[i]:]
			if p.Depth == 8 {
				copy(drow[:w], srow[:w])
				continue
			}
			for x := 0; x < w; x += 1 {
				drow[x] = byte(binary.BigEndian.Uint16(srow[2*x:]) >> shift)
			}
		}
	}
	return ycc, nil
}

// FromImage converts a standard library image to planar form. YCbCr
// and grayscale images convert without loss; everything else goes
// through RGB to 8-bit 4:4:4.
func FromImage(m image.Image) *Image {
	b := m.Bounds()
	if b.Min != (image.Point{}) {
		return fromGeneric(m)
	}
	switch m := m.(type) {
	case *image.YCbCr:
		var layout Layout
		switch m.SubsampleRatio {
		case image.YCbCrSubsampleRatio420:
			layout = Layout420
		case image.YCbCrSubsampleRatio422:
			layout = Layout422
		case image.YCbCrSubsampleRatio444:
			layout = Layout444
		default:
			return fromGeneric(m)
		}
		out := newImage(b.Dx(), b.Dy(), 8, layout)
		srcs := [][]byte{m.Y, m.Cb, m.Cr}
		strides := []int{m.YStride, m.CStride, m.CStride}
		for i := 0; i < 3; i += 1 {
			w, h := out.PlaneDims(i)
			for y := 0; y < h; y += 1 {
				copy(out.Planes[i][y*out.Stride[i]:y*out.Stride[i]+w], srcs[i][y*strides[i]:y*strides[i]+w])
			}
		}
		return out
	case *image.Gray:
		out := newImage(b.Dx(), b.Dy(), 8, Layout400)
		for y := 0; y < out.Height; y += 1 {
			copy(out.Planes[0][y*out.Stride[0]:y*out.Stride[0]+out.Width], m.Pix[y*m.Stride:])
		}
		return out
	case *image.Gray16:
		out := newImage(b.Dx(), b.Dy(), 16, Layout400)
		for y := 0; y < out.Height; y += 1 {
			copy(out.Planes[0][y*out.Stride[0]:y*out.Stride[0]+2*out.Width], m.Pix[y*m.Stride:])
		}
		return out
	}
	return fromGeneric(m)
}

func fromGeneric(m image.Image) *Image {
	b := m.Bounds()
	out := newImage(b.Dx(), b.Dy(), 8, Layout444)
	for y := 0; y < out.Height; y += 1 {
		for x := 0; x < out.Width; x += 1 {
			cr, cg, cb, _ := m.At(b.Min.X+x, b.Min.Y+y).RGBA()
			yy, u, v := color.RGBToYCbCr(uint8(cr>>8), uint8(cg>>8), uint8(cb>>8))
			out.Planes[0][y*out.Stride[0]+x] = yy
			out.Planes[1][y*out.Stride[1]+x] = u
			out.Planes[2][y*out.Stride[2]+x] = v
		}
	}
	return out
}
