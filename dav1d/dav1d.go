//go:build linux || darwin

// Package dav1d decodes AV1 coded items through a small shim library
// over dav1d, loaded at runtime with purego so the package builds and
// tests without cgo or the library installed.
//
// The shim exports a flat ABI:
//
//	uint64_t    heifbox_av1_decoder_create(int32_t threads);
//	int32_t     heifbox_av1_decoder_decode(uint64_t dec,
//	                const uint8_t *data, int32_t size,
//	                uint64_t *planes /*[3]*/, int32_t *strides /*[2]*/,
//	                int32_t *width, int32_t *height,
//	                int32_t *depth, int32_t *layout);
//	void        heifbox_av1_decoder_destroy(uint64_t dec);
//	const char *heifbox_av1_last_error(void);
//
// Plane pointers stay valid until the next decode or destroy on the
// same handle. Strides are in bytes; samples deeper than 8 bits are
// host-endian 16-bit words.
package dav1d

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/isoworks/heifbox/codec"
	"github.com/isoworks/heifbox/pix"
)

// ItemType is the coded item type this package handles.
const ItemType = "av01"

// Pixel layout codes of the shim, numbered like dav1d's own enum.
const (
	layoutI400 = 0
	layoutI420 = 1
	layoutI422 = 2
	layoutI444 = 3
)

var (
	loadOnce sync.Once
	loadErr  error
	handle   uintptr

	decoderCreate  func(threads int32) uint64
	decoderDecode  func(dec uint64, data uintptr, size int32, planes, strides, width, height, depth, layout uintptr) int32
	decoderDestroy func(dec uint64)
	lastError      func() uintptr
)

func load() error {
	loadOnce.Do(func() {
		loadErr = loadLib()
	})
	return loadErr
}

func loadLib() error {
	var lastErr error
	for _, path := range libPaths() {
		h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		handle = h
		purego.RegisterLibFunc(&decoderCreate, handle, "heifbox_av1_decoder_create")
		purego.RegisterLibFunc(&decoderDecode, handle, "heifbox_av1_decoder_decode")
		purego.RegisterLibFunc(&decoderDestroy, handle, "heifbox_av1_decoder_destroy")
		purego.RegisterLibFunc(&lastError, handle, "heifbox_av1_last_error")
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("dav1d: loading shim: %w", lastErr)
	}
	return errors.New("dav1d: shim library not found")
}

func libPaths() []string {
	libName := "libheifbox_av1.so"
	if runtime.GOOS == "darwin" {
		libName = "libheifbox_av1.dylib"
	}

	var paths []string
	if env := os.Getenv("HEIFBOX_AV1_LIB_PATH"); env != "" {
		paths = append(paths, env)
	}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), libName))
	}
	paths = append(paths, libName)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}
	return paths
}

// Available reports whether the shim library could be loaded.
func Available() bool { return load() == nil }

// Register installs the AV1 decoder in r. It fails when the shim
// library cannot be loaded, leaving r untouched.
func Register(r *codec.Registry) error {
	if err := load(); err != nil {
		return err
	}
	r.Register(codec.TagOf(ItemType), codec.Factory{
		NewDecoder: func() (codec.Decoder, error) {
			d, err := NewDecoder()
			if err != nil {
				return nil, err
			}
			return d, nil
		},
	})
	return nil
}

func errString() string {
	ptr := lastError()
	if ptr == 0 {
		return "unknown error"
	}
	n := 0
	for *(*byte)(unsafe.Pointer(ptr + uintptr(n))) != 0 {
		n++
		if n > 1024 {
			break
		}
	}
	if n == 0 {
		return "unknown error"
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
}

// Decoder is an AV1 decoder bound to one shim handle. A Decoder is
// good for one item at a time and must be closed to release the
// native state.
type Decoder struct {
	mu     sync.Mutex
	handle uint64
}

// Option adjusts decoder construction.
type Option func(*settings)

type settings struct {
	threads int32
}

// WithThreads caps the decoder's internal thread count. Zero keeps the
// library default.
func WithThreads(n int) Option {
	return func(s *settings) {
		s.threads = int32(n)
	}
}

// NewDecoder creates a decoder, loading the shim library on first use.
func NewDecoder(opts ...Option) (*Decoder, error) {
	if err := load(); err != nil {
		return nil, err
	}
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	h := decoderCreate(s.threads)
	if h == 0 {
		return nil, fmt.Errorf("dav1d: creating decoder: %s", errString())
	}
	return &Decoder{handle: h}, nil
}

// Decode decodes one coded item. config is the av1C property payload;
// its configuration OBUs, everything past the four fixed bytes, are
// fed to the decoder ahead of the item data.
func (d *Decoder) Decode(config, data []byte) (*pix.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, errors.New("dav1d: decoder is closed")
	}
	if len(config) > 4 {
		buf := make([]byte, 0, len(config)-4+len(data))
		buf = append(buf, config[4:]...)
		buf = append(buf, data...)
		data = buf
	}
	if len(data) == 0 {
		return nil, errors.New("dav1d: empty payload")
	}

	var planes [3]uint64
	var strides [2]int32
	var width, height, depth, layout int32
	rc := decoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&data[0])),
		int32(len(data)),
		uintptr(unsafe.Pointer(&planes[0])),
		uintptr(unsafe.Pointer(&strides[0])),
		uintptr(unsafe.Pointer(&width)),
		uintptr(unsafe.Pointer(&height)),
		uintptr(unsafe.Pointer(&depth)),
		uintptr(unsafe.Pointer(&layout)),
	)
	runtime.KeepAlive(data)
	if rc < 0 {
		return nil, fmt.Errorf("dav1d: %s", errString())
	}
	if rc == 0 {
		return nil, errors.New("dav1d: no picture in payload")
	}
	return picture(planes, strides, int(width), int(height), int(depth), int(layout))
}

func picture(planes [3]uint64, strides [2]int32, width, height, depth, layout int) (*pix.Image, error) {
	var pl pix.Layout
	switch layout {
	case layoutI400:
		pl = pix.Layout400
	case layoutI420:
		pl = pix.Layout420
	case layoutI422:
		pl = pix.Layout422
	case layoutI444:
		pl = pix.Layout444
	default:
		return nil, fmt.Errorf("dav1d: pixel layout %d not supported", layout)
	}
	img, err := pix.New(width, height, depth, pl)
	if err != nil {
		return nil, err
	}
	for i := range img.Planes {
		stride := int(strides[0])
		if i > 0 {
			stride = int(strides[1])
		}
		w, h := img.PlaneDims(i)
		if depth > 8 {
			copyRows16(img.Planes[i], img.Stride[i], uintptr(planes[i]), stride, w, h)
		} else {
			copyRows8(img.Planes[i], img.Stride[i], uintptr(planes[i]), stride, w, h)
		}
	}
	return img, nil
}

func copyRows8(dst []byte, dstStride int, src uintptr, srcStride, w, h int) {
	for y := 0; y < h; y++ {
		row := unsafe.Slice((*byte)(unsafe.Pointer(src+uintptr(y*srcStride))), w)
		copy(dst[y*dstStride:y*dstStride+w], row)
	}
}

// copyRows16 rewrites the shim's host-endian 16-bit samples into the
// big-endian order planar images use.
func copyRows16(dst []byte, dstStride int, src uintptr, srcStride, w, h int) {
	for y := 0; y < h; y++ {
		row := unsafe.Slice((*uint16)(unsafe.Pointer(src+uintptr(y*srcStride))), w)
		out := dst[y*dstStride:]
		for x := 0; x < w; x++ {
			binary.BigEndian.PutUint16(out[2*x:], row[x])
		}
	}
}

// Close releases the native decoder state.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != 0 {
		decoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}
