// Package camera owns the live video device. A Source holds at most one open
// stream at a time and keeps a rendered copy of the most recent frame.
package camera

import (
	"context"
	"image"
	"time"
)

// Device opens the platform camera. Implementations must fail fast when the
// hardware is missing or access is denied.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an exclusively held video stream.
type Stream interface {
	ReadFrame() (image.Image, error)
	Close() error
}

// DeviceConfig selects and sizes the capture device.
type DeviceConfig struct {
	DeviceID int
	Width    int
	Height   int
}

// Options tune frame rendering and encoding.
type Options struct {
	FrameInterval time.Duration
	JPEGQuality   int
}

// DefaultOptions renders at roughly 30 fps and encodes at the same quality a
// browser canvas uses for JPEG snapshots.
func DefaultOptions() Options {
	return Options{
		FrameInterval: 33 * time.Millisecond,
		JPEGQuality:   92,
	}
}
