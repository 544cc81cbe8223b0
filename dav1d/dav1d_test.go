//go:build linux || darwin

package dav1d

import (
	"errors"
	"runtime"
	"testing"
	"unsafe"

	"github.com/isoworks/heifbox/codec"
	"github.com/isoworks/heifbox/pix"
)

func TestRegisterWithoutLibrary(t *testing.T) {
	if Available() {
		t.Skip("shim library present")
	}
	r := codec.NewRegistry()
	if err := Register(r); err == nil {
		t.Fatal("Register succeeded without the shim library")
	}
	if _, err := r.Decoder(codec.TagOf(ItemType)); !errors.Is(err, codec.ErrUnsupported) {
		t.Fatalf("decoder lookup after failed Register: %v", err)
	}
}

func TestLibPathsEnvOverride(t *testing.T) {
	t.Setenv("HEIFBOX_AV1_LIB_PATH", "/opt/custom/libheifbox_av1.so")
	paths := libPaths()
	if len(paths) == 0 || paths[0] != "/opt/custom/libheifbox_av1.so" {
		t.Fatalf("env override not first in %v", paths)
	}
}

func TestPictureCopiesPlanes(t *testing.T) {
	// 4x2 4:2:0 with padded strides, as a decoder would hand back.
	luma := []byte{
		1, 2, 3, 4, 0xee,
		5, 6, 7, 8, 0xee,
	}
	cb := []byte{9, 10, 0xee}
	cr := []byte{11, 12, 0xee}
	planes := [3]uint64{
		uint64(uintptr(unsafe.Pointer(&luma[0]))),
		uint64(uintptr(unsafe.Pointer(&cb[0]))),
		uint64(uintptr(unsafe.Pointer(&cr[0]))),
	}

	img, err := picture(planes, [2]int32{5, 3}, 4, 2, 8, layoutI420)
	runtime.KeepAlive(luma)
	runtime.KeepAlive(cb)
	runtime.KeepAlive(cr)
	if err != nil {
		t.Fatal(err)
	}
	if img.Layout != pix.Layout420 || img.Depth != 8 {
		t.Fatalf("got layout %v depth %d", img.Layout, img.Depth)
	}
	for i, want := range []byte{1, 2, 3, 4} {
		if got := img.Planes[0][i]; got != want {
			t.Fatalf("luma[%d] = %d, want %d", i, got, want)
		}
	}
	if img.Planes[1][0] != 9 || img.Planes[1][1] != 10 {
		t.Fatalf("cb plane = %v", img.Planes[1][:2])
	}
	if img.Planes[2][0] != 11 || img.Planes[2][1] != 12 {
		t.Fatalf("cr plane = %v", img.Planes[2][:2])
	}
}

func TestPictureHighDepthByteOrder(t *testing.T) {
	src := []uint16{0x0123, 0x02ff}
	planes := [3]uint64{uint64(uintptr(unsafe.Pointer(&src[0])))}

	img, err := picture(planes, [2]int32{4, 0}, 2, 1, 10, layoutI400)
	runtime.KeepAlive(src)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x23, 0x02, 0xff}
	for i := range want {
		if img.Planes[0][i] != want[i] {
			t.Fatalf("plane bytes = %v, want %v", img.Planes[0][:4], want)
		}
	}
}

func TestPictureRejectsUnknownLayout(t *testing.T) {
	buf := []byte{0}
	planes := [3]uint64{uint64(uintptr(unsafe.Pointer(&buf[0])))}
	if _, err := picture(planes, [2]int32{1, 0}, 1, 1, 8, 9); err == nil {
		t.Fatal("layout 9 accepted")
	}
	runtime.KeepAlive(buf)
}
