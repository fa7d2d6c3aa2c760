//go:build gocv

package camera

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// OpenCVDevice captures from a local camera through OpenCV.
type OpenCVDevice struct {
	cfg    DeviceConfig
	logger *zap.Logger
}

// NewDefaultDevice returns the OpenCV-backed device.
func NewDefaultDevice(cfg DeviceConfig, logger *zap.Logger) Device {
	return &OpenCVDevice{cfg: cfg, logger: logger.Named("opencv")}
}

func (d *OpenCVDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vc, err := gocv.OpenVideoCapture(d.cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", d.cfg.DeviceID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture %d not opened", d.cfg.DeviceID)
	}
	if d.cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(d.cfg.Width))
	}
	if d.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(d.cfg.Height))
	}

	d.logger.Info("opencv capture opened",
		zap.Int("device", d.cfg.DeviceID),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)),
	)
	return &openCVStream{vc: vc, mat: gocv.NewMat()}, nil
}

type openCVStream struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

func (s *openCVStream) ReadFrame() (image.Image, error) {
	if ok := s.vc.Read(&s.mat); !ok {
		return nil, errors.New("video capture read failed")
	}
	if s.mat.Empty() {
		return nil, errors.New("empty frame")
	}
	return s.mat.ToImage()
}

func (s *openCVStream) Close() error {
	matErr := s.mat.Close()
	if err := s.vc.Close(); err != nil {
		return err
	}
	return matErr
}
