// Package storage publishes NFT images and their metadata to nft.storage,
// which pins them on IPFS.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"aimint/internal/inference"
	"aimint/internal/logging"

	"go.uber.org/zap"
)

var (
	ErrStorageAuth   = errors.New("storage credential rejected")
	ErrStorageUpload = errors.New("storage upload failed")
)

const (
	DefaultEndpoint = "https://api.nft.storage"
	DefaultGateway  = "https://ipfs.io/ipfs/"
	DefaultTimeout  = 2 * time.Minute

	metadataFile = "metadata.json"
)

// Metadata locates a published metadata document.
type Metadata struct {
	URI string
	CID string
}

type Config struct {
	Endpoint string
	Gateway  string
	APIKey   string
	Timeout  time.Duration
}

type Client struct {
	endpoint   string
	gateway    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Gateway == "" {
		cfg.Gateway = DefaultGateway
	}
	if !strings.HasSuffix(cfg.Gateway, "/") {
		cfg.Gateway += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		gateway:    cfg.Gateway,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.OrNop(logger),
	}
}

// MetadataURI is the gateway address of the metadata document stored under cid.
func (c *Client) MetadataURI(cid string) string {
	return c.gateway + cid + "/" + metadataFile
}

type meta struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Image       *string `json:"image"`
}

type storeResponse struct {
	OK    bool `json:"ok"`
	Value struct {
		IPNFT string `json:"ipnft"`
		URL   string `json:"url"`
	} `json:"value"`
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// Publish stores image as the token image together with {name, description}.
// The service rewrites the null image field to the pinned image link.
func (c *Client) Publish(ctx context.Context, image inference.Image, name, description string) (Metadata, error) {
	if len(image.Data) == 0 {
		return Metadata{}, fmt.Errorf("%w: image is empty", ErrStorageUpload)
	}
	contentType := image.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	body, formType, err := encodeStoreForm(image.Data, contentType, name, description)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrStorageUpload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/store", body)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: build request: %w", ErrStorageUpload, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrStorageUpload, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: read response: %w", ErrStorageUpload, err)
	}

	var decoded storeResponse
	_ = json.Unmarshal(raw, &decoded)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Metadata{}, fmt.Errorf("%w: status %d: %s", ErrStorageAuth, resp.StatusCode, decoded.Error.Message)
	case resp.StatusCode != http.StatusOK:
		c.logger.Warn("storage upload failed", zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		return Metadata{}, fmt.Errorf("%w: status %d: %s", ErrStorageUpload, resp.StatusCode, decoded.Error.Message)
	case !decoded.OK:
		return Metadata{}, fmt.Errorf("%w: service reported failure: %s", ErrStorageUpload, decoded.Error.Message)
	case decoded.Value.IPNFT == "":
		return Metadata{}, fmt.Errorf("%w: response carried no ipnft", ErrStorageUpload)
	}

	published := Metadata{
		URI: c.MetadataURI(decoded.Value.IPNFT),
		CID: decoded.Value.IPNFT,
	}
	c.logger.Info("metadata published", zap.String("cid", published.CID), zap.String("uri", published.URI))
	return published, nil
}

func encodeStoreForm(data []byte, contentType, name, description string) (io.Reader, string, error) {
	metaJSON, err := json.Marshal(meta{Name: name, Description: description})
	if err != nil {
		return nil, "", fmt.Errorf("encode meta: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("meta", string(metaJSON)); err != nil {
		return nil, "", err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, imageFilename(contentType)))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func imageFilename(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return "image.jpeg"
	}
	ext := strings.TrimPrefix(mediaType, "image/")
	if i := strings.IndexAny(ext, "+;"); i >= 0 {
		ext = ext[:i]
	}
	if ext == "" {
		ext = "jpeg"
	}
	return "image." + ext
}
