// Package ingest turns user-selected files into captured images.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/skincare"
)

// DefaultMaxSize caps uploads at 10 MiB.
const DefaultMaxSize int64 = 10 << 20

var (
	// ErrTooLarge and ErrUnsupportedMediaType both also match skincare.ErrUnreadableFile.
	ErrTooLarge             = errors.New("file exceeds maximum upload size")
	ErrUnsupportedMediaType = errors.New("file is not an image")
)

// CameraReleaser is the part of the camera the ingester needs: uploading a
// file ends any live stream.
type CameraReleaser interface {
	Stop() error
}

// Ingester reads uploads into CapturedImage values.
type Ingester struct {
	camera  CameraReleaser
	maxSize int64
	logger  *zap.Logger
}

// New builds an Ingester. maxSize <= 0 selects DefaultMaxSize.
func New(camera CameraReleaser, maxSize int64, logger *zap.Logger) *Ingester {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Ingester{camera: camera, maxSize: maxSize, logger: logger.Named("ingest")}
}

// Ingest releases the camera, then reads r fully and detects its mime type.
func (i *Ingester) Ingest(ctx context.Context, r io.Reader, filename string) (*skincare.CapturedImage, error) {
	if i.camera != nil {
		if err := i.camera.Stop(); err != nil {
			i.logger.Warn("camera release before upload failed", zap.Error(err))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", skincare.ErrUnreadableFile, err)
	}

	data, err := io.ReadAll(io.LimitReader(&contextReader{ctx: ctx, r: r}, i.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %w", skincare.ErrUnreadableFile, filename, err)
	}
	if int64(len(data)) > i.maxSize {
		return nil, fmt.Errorf("%w: %w (%d bytes max)", skincare.ErrUnreadableFile, ErrTooLarge, i.maxSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %q is empty", skincare.ErrUnreadableFile, filename)
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: %w: %s", skincare.ErrUnreadableFile, ErrUnsupportedMediaType, mtype.String())
	}

	i.logger.Info("upload ingested",
		zap.String("filename", filename),
		zap.String("mime_type", mtype.String()),
		zap.Int("size", len(data)),
	)
	return skincare.NewCapturedImage(data, mimeBase(mtype.String()), skincare.SourceUpload), nil
}

// mimeBase drops parameters such as "; charset=...".
func mimeBase(m string) string {
	if idx := strings.IndexByte(m, ';'); idx >= 0 {
		return strings.TrimSpace(m[:idx])
	}
	return m
}

// contextReader stops a long read when the request goes away.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
