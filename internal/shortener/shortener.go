package shortener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/driverworks/devicelink/internal/config"
)

// Shortener is the optional link-shortening collaborator. Implementations
// must be safe for concurrent use.
type Shortener interface {
	Shorten(ctx context.Context, longURL string) (string, error)
}

// HTTPShortener submits long links to a shortening service over HTTP.
// Concurrent requests for the same long link are collapsed into one call.
type HTTPShortener struct {
	endpoint string
	apiKey   string
	client   *http.Client
	group    singleflight.Group
}

// New creates a shortener from the engine's shortening configuration.
func New(cfg config.ShortenerConfig) *HTTPShortener {
	return &HTTPShortener{
		endpoint: cfg.Endpoint,
		apiKey:   string(cfg.APIKey),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type shortenRequest struct {
	URL string `json:"url"`
}

type shortenResponse struct {
	ShortURL string `json:"shortUrl"`
}

func (s *HTTPShortener) Shorten(ctx context.Context, longURL string) (string, error) {
	short, err, _ := s.group.Do(longURL, func() (any, error) {
		return s.shorten(ctx, longURL)
	})
	if err != nil {
		return "", err
	}
	return short.(string), nil
}

func (s *HTTPShortener) shorten(ctx context.Context, longURL string) (string, error) {
	payload, err := json.Marshal(shortenRequest{URL: longURL})
	if err != nil {
		return "", fmt.Errorf("failed to encode shorten request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build shorten request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("shorten request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read shorten response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("shorten service returned %d", resp.StatusCode)
	}

	var parsed shortenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse shorten response: %w", err)
	}
	if parsed.ShortURL == "" {
		return "", fmt.Errorf("shorten service returned no short url")
	}
	return parsed.ShortURL, nil
}
