// Package inference generates images from text prompts through a hosted
// text-to-image model.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"aimint/internal/logging"

	"go.uber.org/zap"
)

var (
	ErrEmptyPrompt          = errors.New("prompt is required")
	ErrInferenceUnavailable = errors.New("inference service unavailable")
	ErrInferenceAuth        = errors.New("inference credential rejected")
	ErrInferenceTimeout     = errors.New("inference timed out")
)

const (
	DefaultTimeout      = 5 * time.Minute
	DefaultMaxImageSize = 32 << 20
	defaultContentType  = "image/jpeg"
)

// Image is the raw model output.
type Image struct {
	Data        []byte
	ContentType string
}

type Config struct {
	URL          string
	APIKey       string
	Timeout      time.Duration
	MaxImageSize int64
}

// Client calls the inference endpoint. It never retries.
type Client struct {
	url          string
	apiKey       string
	maxImageSize int64
	httpClient   *http.Client
	logger       *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("inference url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = DefaultMaxImageSize
	}
	return &Client{
		url:          cfg.URL,
		apiKey:       cfg.APIKey,
		maxImageSize: cfg.MaxImageSize,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		logger:       logging.OrNop(logger),
	}, nil
}

type generateRequest struct {
	Inputs  string          `json:"inputs"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

// Generate asks the model for an image of description. The request tells the
// service to wait for a cold model instead of failing fast.
func (c *Client) Generate(ctx context.Context, description string) (Image, error) {
	if strings.TrimSpace(description) == "" {
		return Image{}, ErrEmptyPrompt
	}

	body, err := json.Marshal(generateRequest{
		Inputs:  description,
		Options: generateOptions{WaitForModel: true},
	})
	if err != nil {
		return Image{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Image{}, fmt.Errorf("%w: build request: %w", ErrInferenceUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Image{}, fmt.Errorf("%w: %w", ErrInferenceTimeout, err)
		}
		return Image{}, fmt.Errorf("%w: %w", ErrInferenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := readDetail(resp.Body)
		c.logger.Warn("inference request failed",
			zap.Int("status", resp.StatusCode),
			zap.String("detail", detail),
		)
		return Image{}, statusError(resp.StatusCode, detail)
	}

	data, err := readAllWithLimit(resp.Body, c.maxImageSize)
	if err != nil {
		if isTimeout(err) {
			return Image{}, fmt.Errorf("%w: read body: %w", ErrInferenceTimeout, err)
		}
		return Image{}, fmt.Errorf("%w: read body: %w", ErrInferenceUnavailable, err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("%w: empty response body", ErrInferenceUnavailable)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	c.logger.Info("image generated",
		zap.Int("bytes", len(data)),
		zap.String("content_type", contentType),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Image{Data: data, ContentType: contentType}, nil
}

func statusError(status int, detail string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrInferenceAuth, status, detail)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d: %s", ErrInferenceTimeout, status, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrInferenceUnavailable, status, detail)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readDetail returns a short excerpt of an error body, e.g. {"error":"Model is loading"}.
func readDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 512))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}

func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeded limit of %d bytes", limit)
	}
	return data, nil
}
