package shortener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driverworks/devicelink/internal/config"
)

func TestShortenSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))

		var req shortenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://auth.example.com/authorize?state=abc", req.URL)

		_ = json.NewEncoder(w).Encode(shortenResponse{ShortURL: "https://s.ex/abc"})
	}))
	defer server.Close()

	s := New(config.ShortenerConfig{Endpoint: server.URL, APIKey: "key-1"})
	short, err := s.Shorten(context.Background(), "https://auth.example.com/authorize?state=abc")
	require.NoError(t, err)
	assert.Equal(t, "https://s.ex/abc", short)
}

func TestShortenOmitsAuthorizationWithoutKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(shortenResponse{ShortURL: "https://s.ex/x"})
	}))
	defer server.Close()

	s := New(config.ShortenerConfig{Endpoint: server.URL})
	_, err := s.Shorten(context.Background(), "https://example.com/long")
	require.NoError(t, err)
}

func TestShortenServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	s := New(config.ShortenerConfig{Endpoint: server.URL})
	_, err := s.Shorten(context.Background(), "https://example.com/long")
	require.Error(t, err)
}

func TestShortenEmptyShortURLIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(shortenResponse{})
	}))
	defer server.Close()

	s := New(config.ShortenerConfig{Endpoint: server.URL})
	_, err := s.Shorten(context.Background(), "https://example.com/long")
	require.Error(t, err)
}
