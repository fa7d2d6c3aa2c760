//go:build !gocv

package camera

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var errNoCameraBackend = errors.New("camera support requires building with -tags gocv")

type unavailableDevice struct{}

// NewDefaultDevice returns a device that always fails to open. Builds with the
// gocv tag get the OpenCV backend instead.
func NewDefaultDevice(_ DeviceConfig, logger *zap.Logger) Device {
	logger.Named("camera").Warn("no camera backend compiled in")
	return unavailableDevice{}
}

func (unavailableDevice) Open(context.Context) (Stream, error) {
	return nil, errNoCameraBackend
}
