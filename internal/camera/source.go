package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/skincare"
)

const jpegMimeType = "image/jpeg"

// Source manages the single camera handle.
type Source struct {
	device  Device
	opts    Options
	logger  *zap.Logger
	mu      sync.Mutex
	current *handle
}

// handle is the live stream plus its render loop.
type handle struct {
	stream Stream
	stop   chan struct{}
	done   chan struct{}

	frameMu    sync.RWMutex
	frame      image.Image
	firstFrame chan struct{}
	frameOnce  sync.Once
	frames     int64
}

// NewSource builds a Source over device. Zero option fields take defaults.
func NewSource(device Device, opts Options, logger *zap.Logger) *Source {
	defaults := DefaultOptions()
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = defaults.FrameInterval
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = defaults.JPEGQuality
	}
	return &Source{
		device: device,
		opts:   opts,
		logger: logger.Named("camera"),
	}
}

// Start acquires the device and begins rendering frames. Calling it while
// already streaming is a no-op.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return nil
	}

	stream, err := s.device.Open(ctx)
	if err != nil {
		s.logger.Warn("camera unavailable", zap.Error(err))
		return fmt.Errorf("%w: %w", skincare.ErrDeviceUnavailable, err)
	}

	h := &handle{
		stream:     stream,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		firstFrame: make(chan struct{}),
	}
	s.current = h
	go s.render(h)

	s.logger.Info("camera stream started")
	return nil
}

// Capture snapshots the current frame into a JPEG image and releases the
// stream. If encoding fails the stream stays live so the caller can retry.
func (s *Source) Capture(ctx context.Context) (*skincare.CapturedImage, error) {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil {
		return nil, skincare.ErrNoActiveStream
	}

	frame, err := h.waitFrame(ctx)
	if err != nil {
		return nil, err
	}

	data, err := s.encode(frame)
	if err != nil {
		s.logger.Error("frame encode failed", zap.Error(err))
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	if err := s.release(h); err != nil {
		s.logger.Warn("camera release after capture failed", zap.Error(err))
	}
	return skincare.NewCapturedImage(data, jpegMimeType, skincare.SourceCamera), nil
}

// Stop releases the stream if one is held.
func (s *Source) Stop() error {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return s.release(h)
}

// Streaming reports whether a camera handle is live.
func (s *Source) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Preview encodes the most recently rendered frame.
func (s *Source) Preview() ([]byte, error) {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h == nil {
		return nil, skincare.ErrNoActiveStream
	}
	frame := h.latest()
	if frame == nil {
		return nil, fmt.Errorf("%w: no frame rendered yet", skincare.ErrNoActiveStream)
	}
	return s.encode(frame)
}

// release tears h down once; a caller that lost the race returns nil. The
// lock is held until the stream is closed so a new Start cannot overlap it.
func (s *Source) release(h *handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != h {
		return nil
	}
	s.current = nil

	close(h.stop)
	<-h.done
	err := h.stream.Close()
	s.logger.Info("camera stream released", zap.Int64("frames_rendered", h.frames))
	return err
}

func (s *Source) render(h *handle) {
	defer close(h.done)

	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()

	for {
		frame, err := h.stream.ReadFrame()
		if err != nil {
			s.logger.Debug("frame read failed", zap.Error(err))
		} else if frame != nil {
			h.store(frame)
		}

		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
	}
}

// encode draws frame into an offscreen raster and JPEG-encodes it.
func (s *Source) encode(frame image.Image) ([]byte, error) {
	bounds := frame.Bounds()
	raster := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(raster, raster.Bounds(), frame, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, raster, &jpeg.Options{Quality: s.opts.JPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *handle) store(frame image.Image) {
	h.frameMu.Lock()
	h.frame = frame
	h.frames++
	h.frameMu.Unlock()
	h.frameOnce.Do(func() { close(h.firstFrame) })
}

func (h *handle) latest() image.Image {
	h.frameMu.RLock()
	defer h.frameMu.RUnlock()
	return h.frame
}

// waitFrame blocks for the first rendered frame. A stopped handle reports
// ErrNoActiveStream even when a frame was already rendered.
func (h *handle) waitFrame(ctx context.Context) (image.Image, error) {
	if h.stopped() {
		return nil, skincare.ErrNoActiveStream
	}
	select {
	case <-h.firstFrame:
		if h.stopped() {
			return nil, skincare.ErrNoActiveStream
		}
		return h.latest(), nil
	case <-h.stop:
		return nil, skincare.ErrNoActiveStream
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *handle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}
