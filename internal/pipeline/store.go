package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/skincare"
)

// CameraReleaser stops any live camera stream.
type CameraReleaser interface {
	Stop() error
}

// Store is the single CapturedImage slot. Listeners run synchronously under
// the store lock, so they observe changes in order and must not call back
// into the store.
type Store struct {
	mu        sync.Mutex
	image     *skincare.CapturedImage
	camera    CameraReleaser
	listeners []func(*skincare.CapturedImage)
	logger    *zap.Logger
}

// NewStore returns an empty slot. camera may be nil.
func NewStore(camera CameraReleaser, logger *zap.Logger) *Store {
	return &Store{camera: camera, logger: logger.Named("store")}
}

// OnChange registers fn to be called with the new content after every Set or Clear.
func (s *Store) OnChange(fn func(*skincare.CapturedImage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Set replaces the slot. A nil image is treated as Clear.
func (s *Store) Set(img *skincare.CapturedImage) {
	if img == nil {
		s.Clear()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.image = img
	s.notify(img)
}

// Clear empties the slot and releases the camera.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.camera != nil {
		if err := s.camera.Stop(); err != nil {
			s.logger.Warn("camera release on clear failed", zap.Error(err))
		}
	}
	s.image = nil
	s.notify(nil)
}

// Get returns the held image, if any.
func (s *Store) Get() (*skincare.CapturedImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image, s.image != nil
}

func (s *Store) notify(img *skincare.CapturedImage) {
	for _, fn := range s.listeners {
		fn(img)
	}
}
