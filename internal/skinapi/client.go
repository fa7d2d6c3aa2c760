// Package skinapi talks to the remote skin analysis and product
// recommendation services over HTTP.
package skinapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/skincare"
)

const (
	analyzePath   = "/analyze-skin"
	recommendPath = "/recommend-products"

	maxResponseBytes = 4 << 20
	maxErrorBody     = 512
)

// NewHTTPClient returns an http.Client with dial and idle limits. timeout 0
// means the caller's context is the only deadline.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// Client implements skincare.Analyzer against the two HTTP endpoints.
type Client struct {
	baseURL  string
	http     *http.Client
	validate *validator.Validate
	logger   *zap.Logger
}

// New builds a Client rooted at baseURL, e.g. "http://localhost:8000".
func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		validate: validator.New(),
		logger:   logger.Named("skinapi"),
	}
}

// analysisPayload mirrors the analysis response; pointers distinguish a
// missing field from a zero value.
type analysisPayload struct {
	SkinType       *string  `json:"skinType" validate:"required,oneof=Dry Oily Combination Sensitive Normal"`
	Concerns       []string `json:"concerns" validate:"required,dive,required"`
	HydrationLevel *float64 `json:"hydrationLevel" validate:"required,min=0,max=100"`
	UVDamage       *float64 `json:"uvDamage" validate:"required,min=0,max=100"`
}

type recommendationPayload struct {
	Products []json.RawMessage `json:"products" validate:"required"`
}

// Analyze uploads the image as multipart field "file".
func (c *Client) Analyze(ctx context.Context, img *skincare.CapturedImage) (*skincare.AnalysisResult, error) {
	runID := skincare.RunIDFromContext(ctx)
	body, contentType, err := multipartImage(img)
	if err != nil {
		return nil, c.fail("skinapi.analyze", runID, skincare.ErrAnalysis, err)
	}

	var payload analysisPayload
	if err := c.post(ctx, analyzePath, contentType, body, &payload); err != nil {
		return nil, c.fail("skinapi.analyze", runID, skincare.ErrAnalysis, err)
	}
	result, err := c.toResult(payload)
	if err != nil {
		return nil, c.fail("skinapi.analyze", runID, skincare.ErrAnalysis, err)
	}
	return result, nil
}

// Recommend posts the analysis result as JSON.
func (c *Client) Recommend(ctx context.Context, result skincare.AnalysisResult) (*skincare.RecommendationSet, error) {
	runID := skincare.RunIDFromContext(ctx)
	body, err := json.Marshal(result)
	if err != nil {
		return nil, c.fail("skinapi.recommend", runID, skincare.ErrRecommendation, err)
	}

	var payload recommendationPayload
	if err := c.post(ctx, recommendPath, "application/json", body, &payload); err != nil {
		return nil, c.fail("skinapi.recommend", runID, skincare.ErrRecommendation, err)
	}
	if err := c.validate.Struct(payload); err != nil {
		return nil, c.fail("skinapi.recommend", runID, skincare.ErrRecommendation, fmt.Errorf("invalid response: %w", err))
	}
	return &skincare.RecommendationSet{Products: payload.Products}, nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("remote call finished",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) toResult(p analysisPayload) (*skincare.AnalysisResult, error) {
	if err := c.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	skinType, ok := skincare.ParseSkinType(*p.SkinType)
	if !ok {
		return nil, fmt.Errorf("unknown skin type %q", *p.SkinType)
	}
	hydration, err := wholeNumber("hydrationLevel", *p.HydrationLevel)
	if err != nil {
		return nil, err
	}
	uv, err := wholeNumber("uvDamage", *p.UVDamage)
	if err != nil {
		return nil, err
	}
	return &skincare.AnalysisResult{
		SkinType:       skinType,
		Concerns:       skincare.UniqueConcerns(p.Concerns),
		HydrationLevel: hydration,
		UVDamage:       uv,
	}, nil
}

func (c *Client) fail(operation, runID string, kind, err error) error {
	wrapped := logging.NewOperationError(operation, runID, err)
	logging.WithOperation(c.logger, operation, runID).Warn("remote call failed", zap.Error(err))
	if errors.Is(err, kind) {
		return wrapped
	}
	return fmt.Errorf("%w: %w", kind, wrapped)
}

func wholeNumber(field string, v float64) (int, error) {
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("%s must be an integer, got %v", field, v)
	}
	return int(v), nil
}

func multipartImage(img *skincare.CapturedImage) ([]byte, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, img.Filename()))
	header.Set("Content-Type", img.MimeType())

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Bytes()); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}
