// Package codec maps item types to the decoders and encoders that
// handle their pixel data, through an explicit registry so callers can
// control exactly which codecs a decode may reach.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/isoworks/heifbox/pix"
)

// ErrUnsupported is returned when no codec is registered for an item
// type. Errors wrap it together with the tag that missed.
var ErrUnsupported = errors.New("codec: unsupported codec")

// Tag is a coded item type, such as "hvc1" or "av01". Lookup is by
// exact tag; there is no aliasing or prefix matching.
type Tag [4]byte

// TagOf converts a 4-character item type to a Tag. It panics on any
// other length, like a bad box type.
func TagOf(s string) Tag {
	if len(s) != 4 {
		panic("bogus codec tag length")
	}
	return Tag{s[0], s[1], s[2], s[3]}
}

func (t Tag) String() string { return string(t[:]) }

// A Decoder turns one coded item into pixels. config is the payload of
// the item's codec configuration property and may be empty; data is
// the item's coded payload. A decoder instance is used for a single
// decode at a time; decoders holding native resources may implement
// io.Closer and are closed by their caller after use.
type Decoder interface {
	Decode(config, data []byte) (*pix.Image, error)
}

// An Encoder turns pixels into one coded item, returning the codec
// configuration property payload and the coded payload.
type Encoder interface {
	Encode(img *pix.Image) (config, data []byte, err error)
}

// Factory creates codec instances for one tag. NewEncoder may be nil
// for decode-only codecs.
type Factory struct {
	NewDecoder func() (Decoder, error)
	NewEncoder func() (Encoder, error)
}

// Registry maps tags to codec factories. The zero value is not ready
// to use; call NewRegistry. All methods are safe for concurrent use,
// though registrations are expected to settle before decoding starts.
type Registry struct {
	mu     sync.RWMutex
	codecs map[Tag]Factory
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[Tag]Factory)}
}

// Register installs a factory for tag, replacing any previous one.
func (r *Registry) Register(tag Tag, f Factory) {
	r.mu.Lock()
	r.codecs[tag] = f
	r.mu.Unlock()
}

// Decoder returns a fresh decoder for tag, or an error wrapping
// ErrUnsupported if no codec handles it.
func (r *Registry) Decoder(tag Tag) (Decoder, error) {
	r.mu.RLock()
	f, ok := r.codecs[tag]
	r.mu.RUnlock()
	if !ok || f.NewDecoder == nil {
		return nil, fmt.Errorf("%w %q", ErrUnsupported, tag)
	}
	return f.NewDecoder()
}

// Encoder returns a fresh encoder for tag, or an error wrapping
// ErrUnsupported if no codec handles it or the codec is decode-only.
func (r *Registry) Encoder(tag Tag) (Encoder, error) {
	r.mu.RLock()
	f, ok := r.codecs[tag]
	r.mu.RUnlock()
	if !ok || f.NewEncoder == nil {
		return nil, fmt.Errorf("%w %q", ErrUnsupported, tag)
	}
	return f.NewEncoder()
}

// Tags returns the registered tags in lexical order.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	tags := make([]Tag, 0, len(r.codecs))
	for t := range r.codecs {
		tags = append(tags, t)
	}
	r.mu.RUnlock()
	sort.Slice(tags, func(i, j int) bool { return tags[i].String() < tags[j].String() })
	return tags
}

// DecodeError reports a codec failure on a particular item type,
// distinguishing broken payloads from types nothing can decode.
type DecodeError struct {
	Tag Tag
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("codec: decoding %q: %v", e.Tag, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }
