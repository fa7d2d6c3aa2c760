package pipeline

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/skincare"
)

// Camera is the capture capability the session drives.
type Camera interface {
	Start(ctx context.Context) error
	Capture(ctx context.Context) (*skincare.CapturedImage, error)
	Stop() error
	Streaming() bool
	Preview() ([]byte, error)
}

// Uploader turns a user file into a captured image.
type Uploader interface {
	Ingest(ctx context.Context, r io.Reader, filename string) (*skincare.CapturedImage, error)
}

// Session ties both image sources, the store and the orchestrator together
// for one user-facing capture area.
type Session struct {
	camera   Camera
	uploader Uploader
	store    *Store
	orch     *Orchestrator
	logger   *zap.Logger

	mu          sync.Mutex
	captureErr  error
	subscribers map[int]func(Snapshot)
	nextSub     int
}

// NewSession wires a store and orchestrator around camera and uploader.
func NewSession(camera Camera, uploader Uploader, analyzer skincare.Analyzer, logger *zap.Logger, observers ...RunObserver) *Session {
	s := &Session{
		camera:      camera,
		uploader:    uploader,
		store:       NewStore(camera, logger),
		orch:        NewOrchestrator(analyzer, logger, observers...),
		logger:      logger.Named("session"),
		subscribers: make(map[int]func(Snapshot)),
	}
	s.orch.Attach(s.store)
	s.orch.OnChange(s.publish)
	return s
}

// Store exposes the image slot.
func (s *Session) Store() *Store { return s.store }

// Orchestrator exposes the run state machine.
func (s *Session) Orchestrator() *Orchestrator { return s.orch }

// StartCamera begins streaming. A held image is cleared first so the camera
// is never live alongside a captured image.
func (s *Session) StartCamera(ctx context.Context) error {
	if s.camera.Streaming() {
		return nil
	}
	if _, ok := s.store.Get(); ok {
		s.store.Clear()
	}
	err := s.camera.Start(ctx)
	s.setCaptureErr(err)
	s.publish()
	return err
}

// CaptureFrame snapshots the live stream into the store.
func (s *Session) CaptureFrame(ctx context.Context) error {
	img, err := s.camera.Capture(ctx)
	if err != nil {
		s.setCaptureErr(err)
		s.publish()
		return err
	}
	s.setCaptureErr(nil)
	s.store.Set(img)
	return nil
}

// StopCamera releases the stream without touching the image slot.
func (s *Session) StopCamera() error {
	err := s.camera.Stop()
	s.publish()
	return err
}

// Upload ingests r into the store. The camera is released either way.
func (s *Session) Upload(ctx context.Context, r io.Reader, filename string) error {
	img, err := s.uploader.Ingest(ctx, r, filename)
	if err != nil {
		s.setCaptureErr(err)
		s.publish()
		return err
	}
	s.setCaptureErr(nil)
	s.store.Set(img)
	return nil
}

// ClearImage empties the slot, stops the camera and resets to Idle.
func (s *Session) ClearImage() {
	s.setCaptureErr(nil)
	s.store.Clear()
}

// Run triggers the analysis pipeline for the held image.
func (s *Session) Run(ctx context.Context) error {
	return s.orch.Run(ctx)
}

// Image returns the held image.
func (s *Session) Image() (*skincare.CapturedImage, bool) {
	return s.store.Get()
}

// Preview returns the latest rendered camera frame.
func (s *Session) Preview() ([]byte, error) {
	return s.camera.Preview()
}

// Subscribe calls fn with a fresh snapshot after every change until the
// returned cancel func runs. fn must not block.
func (s *Session) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Close releases the camera on teardown.
func (s *Session) Close() error {
	err := s.camera.Stop()
	if err != nil {
		s.logger.Warn("camera release on close failed", zap.Error(err))
	}
	return err
}

func (s *Session) setCaptureErr(err error) {
	s.mu.Lock()
	s.captureErr = err
	s.mu.Unlock()
}

func (s *Session) publish() {
	snap := s.Snapshot()

	s.mu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
