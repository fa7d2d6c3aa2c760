// Package handlers exposes the capture session and run history over HTTP.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/history"
	"github.com/example/skin-check/internal/ingest"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/pipeline"
	"github.com/example/skin-check/internal/skincare"
)

// multipartOverhead leaves room for boundaries and part headers around the
// file itself.
const multipartOverhead = 64 << 10

// Session is the capture session surface the routes drive.
type Session interface {
	Snapshot() pipeline.Snapshot
	Subscribe(fn func(pipeline.Snapshot)) (cancel func())
	StartCamera(ctx context.Context) error
	CaptureFrame(ctx context.Context) error
	StopCamera() error
	Preview() ([]byte, error)
	Upload(ctx context.Context, r io.Reader, filename string) error
	ClearImage()
	Image() (*skincare.CapturedImage, bool)
	Run(ctx context.Context) error
}

// History serves stored runs.
type History interface {
	Get(ctx context.Context, runID string) (*history.Record, error)
	Recent(ctx context.Context, limit int) ([]*history.Record, error)
	Summary(ctx context.Context) (*history.Summary, error)
}

// Dependencies groups what RegisterRoutes needs. A nil History skips the
// history routes.
type Dependencies struct {
	Session       Session
	History       History
	Auth          gin.HandlerFunc
	MaxUploadSize int64
	Logger        *zap.Logger
}

type handler struct {
	session   Session
	history   History
	maxUpload int64
	logger    *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	h := &handler{
		session:   deps.Session,
		history:   deps.History,
		maxUpload: deps.MaxUploadSize,
		logger:    deps.Logger,
	}
	if h.maxUpload <= 0 {
		h.maxUpload = ingest.DefaultMaxSize
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/state", h.state)
	router.GET("/events", h.events)
	router.GET("/image", h.image)
	router.GET("/camera/preview", h.preview)

	protected := router.Group("/")
	if deps.Auth != nil {
		protected.Use(deps.Auth)
	}
	protected.POST("/camera/start", h.startCamera)
	protected.POST("/camera/capture", h.capture)
	protected.POST("/camera/stop", h.stopCamera)
	protected.POST("/image", h.upload)
	protected.DELETE("/image", h.clearImage)
	protected.POST("/analysis", h.run)

	if h.history != nil {
		protected.GET("/history", h.listHistory)
		protected.GET("/history/summary", h.summary)
		protected.GET("/history/:id", h.getHistory)
	}
}

func (h *handler) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *handler) image(c *gin.Context) {
	img, ok := h.session.Image()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no image held"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, img.MimeType(), img.Bytes())
}

func (h *handler) preview(c *gin.Context) {
	frame, err := h.session.Preview()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", frame)
}

func (h *handler) startCamera(c *gin.Context) {
	if err := h.session.StartCamera(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *handler) capture(c *gin.Context) {
	if err := h.session.CaptureFrame(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *handler) stopCamera(c *gin.Context) {
	if err := h.session.StopCamera(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *handler) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)

	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": ingest.ErrTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": ingest.ErrTooLarge.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open file"})
		return
	}
	defer src.Close()

	if err := h.session.Upload(c.Request.Context(), src, file.Filename); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *handler) clearImage(c *gin.Context) {
	h.session.ClearImage()
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *handler) run(c *gin.Context) {
	if err := h.session.Run(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *handler) listHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("history listing failed", logging.ErrorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": records})
}

func (h *handler) getHistory(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	rec, err := h.history.Get(c.Request.Context(), runID)
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		h.logger.Error("history lookup failed", zap.String("run_id", runID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) summary(c *gin.Context) {
	summary, err := h.history.Summary(c.Request.Context())
	if err != nil {
		h.logger.Error("history summary failed", logging.ErrorFields(err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to summarize history"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// fail maps a session error to a status and replies with the message, its
// kind and the current snapshot.
func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.logger.Error("request failed", append(logging.ErrorFields(err), zap.String("path", c.FullPath()))...)
	}
	body := gin.H{"error": err.Error(), "state": h.session.Snapshot()}
	if kind := skincare.KindOf(err); kind != skincare.KindNone {
		body["kind"] = kind
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, skincare.ErrUnreadableFile):
		return http.StatusBadRequest
	case errors.Is(err, skincare.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, skincare.ErrNoActiveStream),
		errors.Is(err, pipeline.ErrNotReady),
		errors.Is(err, pipeline.ErrRunInProgress),
		errors.Is(err, pipeline.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, skincare.ErrAnalysis), errors.Is(err, skincare.ErrRecommendation):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
