package heifbox

import (
	"image"
	"io"

	"github.com/isoworks/heifbox/codec"
	"github.com/isoworks/heifbox/zraw"
)

// DefaultRegistry holds the codecs used when Options.Registry is nil.
// The built-in zraw codec is registered at init; native codecs join
// when the caller wires them in (for example dav1d.Register). Register
// codecs during startup, before the first decode.
var DefaultRegistry = codec.NewRegistry()

func init() {
	zraw.Register(DefaultRegistry)

	decodeWrapper := func(r io.Reader) (image.Image, error) {
		return Decode(r)
	}

	// The magic matches the container, not a brand: libheif sniffs the
	// same way, since the 4 bytes before "ftyp" are the box size.
	image.RegisterFormat("heif", "????ftyp", decodeWrapper, DecodeConfig)
}
