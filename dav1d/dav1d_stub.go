//go:build !(linux || darwin)

package dav1d

import (
	"errors"

	"github.com/isoworks/heifbox/codec"
)

// ItemType is the coded item type this package handles.
const ItemType = "av01"

// Available reports whether the shim library could be loaded.
func Available() bool { return false }

// Register installs the AV1 decoder in r. Platforms without the shim
// always fail.
func Register(r *codec.Registry) error {
	return errors.New("dav1d: shim library not supported on this platform")
}
