package heifbox

import (
	"github.com/isoworks/heifbox/codec"
	"github.com/isoworks/heifbox/zraw"
)

// Options specifies decoding parameters.
type Options struct {
	// Registry supplies the codecs a decode may use. If nil, the
	// package-level DefaultRegistry is used, which always carries the
	// built-in zraw codec.
	Registry *codec.Registry

	// AutoOrient rotates and mirrors the decoded image to match the
	// orientation recorded in the file's EXIF item, the way a viewer
	// would display it. Files without EXIF are returned as stored.
	AutoOrient bool

	// IncludeHidden makes DecodeAll decode items flagged hidden, such
	// as alpha planes and grid tiles. By default only visible items
	// are decoded.
	IncludeHidden bool

	// Workers is the number of items DecodeAll decodes concurrently.
	// Values below 2 decode serially.
	Workers int
}

// EncodeOptions specifies encoding parameters.
type EncodeOptions struct {
	// Registry supplies the encoder. If nil, DefaultRegistry is used.
	Registry *codec.Registry

	// Codec is the 4-character coded item type to encode with. The
	// default is the built-in zraw codec.
	Codec string

	// Exif, if set, is a raw TIFF blob embedded as a hidden EXIF item
	// describing the image.
	Exif []byte
}

// options resolves the optional trailing argument of the public entry
// points to a usable value.
func options(opts []*Options) *Options {
	if len(opts) > 0 && opts[0] != nil {
		return opts[0]
	}
	return &Options{}
}

func (o *Options) registry() *codec.Registry {
	if o.Registry != nil {
		return o.Registry
	}
	return DefaultRegistry
}

func encodeOptions(opts []*EncodeOptions) *EncodeOptions {
	if len(opts) > 0 && opts[0] != nil {
		return opts[0]
	}
	return &EncodeOptions{}
}

func (o *EncodeOptions) registry() *codec.Registry {
	if o.Registry != nil {
		return o.Registry
	}
	return DefaultRegistry
}

func (o *EncodeOptions) codec() string {
	if o.Codec != "" {
		return o.Codec
	}
	return zraw.ItemType
}
