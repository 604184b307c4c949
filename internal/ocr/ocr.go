// Package ocr extracts text from still images.
package ocr

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrInvalidHex is returned by DecodeHex for input that is not hex.
	ErrInvalidHex = errors.New("invalid hex image")
	// ErrEmptyImage is returned when there are no image bytes to read.
	ErrEmptyImage = errors.New("empty image")
)

// maxResponseBytes caps how much of an OCR response is read.
const maxResponseBytes = 1 << 20

// Extractor turns image bytes into text.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (string, error)
}

// DecodeHex decodes a hex-encoded image as posted by the device clients.
// Surrounding whitespace and a leading 0x are tolerated.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, ErrEmptyImage
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return b, nil
}

// Nop returns no text for every image. It is used when no OCR endpoint is
// configured so images are still logged.
type Nop struct{}

// Extract implements Extractor.
func (Nop) Extract(context.Context, []byte) (string, error) { return "", nil }

// HTTPExtractor posts the image to an OCR service and reads {"text": "..."}
// back.
type HTTPExtractor struct {
	endpoint string
	client   *http.Client
}

// NewHTTPExtractor builds an extractor for endpoint. A zero timeout falls back
// to 30 seconds.
func NewHTTPExtractor(endpoint string, timeout time.Duration) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExtractor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type extractResponse struct {
	Text string `json:"text"`
}

// Extract implements Extractor.
func (e *HTTPExtractor) Extract(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyImage
	}

	ctx, span := otel.Tracer("neuraleye/ocr").Start(ctx, "ocr.extract")
	defer span.End()
	requestID := uuid.NewString()
	span.SetAttributes(
		attribute.Int("image.bytes", len(image)),
		attribute.String("ocr.request_id", requestID),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("ocr request %s: %w", requestID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read ocr response %s: %w", requestID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("ocr request %s: service returned %d: %s", requestID, resp.StatusCode, strings.TrimSpace(string(body)))
		span.RecordError(err)
		return "", err
	}

	var out extractResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode ocr response %s: %w", requestID, err)
	}
	return out.Text, nil
}
