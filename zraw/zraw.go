// Package zraw implements a lossless coded-item format: image planes
// packed tightly and compressed with zstd, described by a small fixed
// configuration record. It gives containers a codec for round-tripping
// pixels exactly without an external decoder library.
package zraw

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/isoworks/heifbox/codec"
	"github.com/isoworks/heifbox/pix"
)

// ItemType is the coded item type handled by this package.
const ItemType = "zraw"

// ConfigBoxType is the box type of the codec configuration property.
const ConfigBoxType = "zraC"

const (
	configVersion = 1
	configSize    = 12

	// maxPixels bounds the decoded size before anything is
	// allocated; 64M pixels of 8-bit 4:4:4 is about 200MB.
	maxPixels = 1 << 26
)

// Register installs the codec in a registry.
func Register(r *codec.Registry) {
	r.Register(codec.TagOf(ItemType), codec.Factory{
		NewDecoder: func() (codec.Decoder, error) { return Decoder{}, nil },
		NewEncoder: func() (codec.Encoder, error) { return Encoder{}, nil },
	})
}

var encPool = sync.Pool{
	New: func() any {
		w, _ := zstd.NewWriter(nil)
		return w
	},
}

var decPool = sync.Pool{
	New: func() any {
		r, _ := zstd.NewReader(nil)
		return r
	},
}

func compress(data []byte) ([]byte, error) {
	enc := encPool.Get().(*zstd.Encoder)
	defer encPool.Put(enc)
	var buf bytes.Buffer
	enc.Reset(&buf)
	if _, err := enc.Write(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress inflates data into exactly want bytes. Streams that end
// early or carry more than declared are rejected, so a hostile payload
// can never allocate beyond what its config admits.
func decompress(data []byte, want int) ([]byte, error) {
	dec := decPool.Get().(*zstd.Decoder)
	defer decPool.Put(dec)
	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	out := make([]byte, want)
	if _, err := io.ReadFull(dec, out); err != nil {
		return nil, fmt.Errorf("zraw: compressed planes end early: %v", err)
	}
	var extra [1]byte
	if n, _ := dec.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("zraw: compressed planes larger than declared")
	}
	return out, nil
}

// Encoder codes an image losslessly. The zero value is ready to use.
type Encoder struct{}

// Encode returns the configuration record and the compressed planes.
func (Encoder) Encode(img *pix.Image) (config, data []byte, err error) {
	if img.Width <= 0 || img.Height <= 0 || img.Width*img.Height > maxPixels {
		return nil, nil, fmt.Errorf("zraw: cannot encode %dx%d image", img.Width, img.Height)
	}
	config = make([]byte, configSize)
	config[0] = configVersion
	config[1] = byte(img.Layout)
	config[2] = byte(img.Depth)
	binary.BigEndian.PutUint32(config[4:8], uint32(img.Width))
	binary.BigEndian.PutUint32(config[8:12], uint32(img.Height))

	packed := make([]byte, 0, packedSize(img))
	bps := 1
	if img.Depth > 8 {
		bps = 2
	}
	for i := range img.Planes {
		w, h := img.PlaneDims(i)
		for y := 0; y < h; y++ {
			row := img.Planes[i][y*img.Stride[i]:]
			packed = append(packed, row[:w*bps]...)
		}
	}
	data, err = compress(packed)
	if err != nil {
		return nil, nil, err
	}
	return config, data, nil
}

func packedSize(img *pix.Image) int {
	bps := 1
	if img.Depth > 8 {
		bps = 2
	}
	total := 0
	for i := range img.Planes {
		w, h := img.PlaneDims(i)
		total += w * h * bps
	}
	return total
}

// Decoder decodes zraw items. The zero value is ready to use.
type Decoder struct{}

// Decode validates the configuration record, then inflates the planes
// into a fresh image.
func (Decoder) Decode(config, data []byte) (*pix.Image, error) {
	if len(config) != configSize {
		return nil, fmt.Errorf("zraw: config is %d bytes, want %d", len(config), configSize)
	}
	if config[0] != configVersion {
		return nil, fmt.Errorf("zraw: config version %d not supported", config[0])
	}
	layout := pix.Layout(config[1])
	depth := int(config[2])
	w32 := binary.BigEndian.Uint32(config[4:8])
	h32 := binary.BigEndian.Uint32(config[8:12])
	if w32 == 0 || h32 == 0 || uint64(w32)*uint64(h32) > maxPixels {
		return nil, fmt.Errorf("zraw: unreasonable dimensions %dx%d", w32, h32)
	}
	width, height := int(w32), int(h32)
	img, err := pix.New(width, height, depth, layout)
	if err != nil {
		return nil, fmt.Errorf("zraw: bad config: %v", err)
	}
	raw, err := decompress(data, packedSize(img))
	if err != nil {
		return nil, err
	}
	bps := 1
	if depth > 8 {
		bps = 2
	}
	off := 0
	for i := range img.Planes {
		w, h := img.PlaneDims(i)
		for y := 0; y < h; y++ {
			copy(img.Planes[i][y*img.Stride[i]:(y+1)*img.Stride[i]], raw[off:off+w*bps])
			off += w * bps
		}
	}
	return img, nil
}
