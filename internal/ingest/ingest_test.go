package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/skincare"
)

type stubCamera struct {
	live  bool
	stops int
}

func (s *stubCamera) Stop() error {
	s.stops++
	s.live = false
	return nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk error") }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestIngestProducesUploadImage(t *testing.T) {
	cam := &stubCamera{live: true}
	ing := New(cam, 0, zap.NewNop())

	img, err := ing.Ingest(context.Background(), bytes.NewReader(pngBytes(t)), "face.png")
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if img.Source() != skincare.SourceUpload {
		t.Fatalf("expected upload source, got %s", img.Source())
	}
	if img.MimeType() != "image/png" {
		t.Fatalf("expected image/png, got %s", img.MimeType())
	}
	if cam.live {
		t.Fatal("camera must be released after ingest")
	}
}

func TestIngestReleasesCameraEvenOnFailure(t *testing.T) {
	cam := &stubCamera{live: true}
	ing := New(cam, 0, zap.NewNop())

	_, err := ing.Ingest(context.Background(), failingReader{}, "broken.jpg")
	if !errors.Is(err, skincare.ErrUnreadableFile) {
		t.Fatalf("expected ErrUnreadableFile, got %v", err)
	}
	if cam.live || cam.stops != 1 {
		t.Fatalf("camera not released: live=%v stops=%d", cam.live, cam.stops)
	}
}

func TestIngestRejectsEmptyFile(t *testing.T) {
	ing := New(&stubCamera{}, 0, zap.NewNop())

	_, err := ing.Ingest(context.Background(), bytes.NewReader(nil), "empty.jpg")
	if !errors.Is(err, skincare.ErrUnreadableFile) {
		t.Fatalf("expected ErrUnreadableFile, got %v", err)
	}
}

func TestIngestRejectsNonImage(t *testing.T) {
	ing := New(&stubCamera{}, 0, zap.NewNop())

	_, err := ing.Ingest(context.Background(), bytes.NewReader([]byte("just some text")), "notes.txt")
	if !errors.Is(err, ErrUnsupportedMediaType) {
		t.Fatalf("expected ErrUnsupportedMediaType, got %v", err)
	}
	if skincare.KindOf(err) != skincare.KindUnreadableFile {
		t.Fatalf("expected UnreadableFile kind, got %s", skincare.KindOf(err))
	}
}

func TestIngestRejectsOversizedFile(t *testing.T) {
	ing := New(&stubCamera{}, 16, zap.NewNop())

	_, err := ing.Ingest(context.Background(), bytes.NewReader(pngBytes(t)), "big.png")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestIngestCancelledContext(t *testing.T) {
	ing := New(&stubCamera{}, 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ing.Ingest(ctx, bytes.NewReader(pngBytes(t)), "face.png")
	if !errors.Is(err, skincare.ErrUnreadableFile) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected unreadable+canceled, got %v", err)
	}
}
