package deviceid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Provider yields a stable per-device identifier string. The engine uses it
// to derive storage and encryption keys, so the value must not change
// between restarts.
type Provider interface {
	DeviceID() (string, error)
}

// Static returns a provider with a fixed identifier. Useful for tests and
// for hosts that already manage device identity.
func Static(id string) Provider {
	return staticProvider(id)
}

type staticProvider string

func (p staticProvider) DeviceID() (string, error) {
	return string(p), nil
}

// FileProvider persists a generated UUID under a file path and returns the
// same value on every subsequent call.
type FileProvider struct {
	path string

	mu     sync.Mutex
	cached string
}

// NewFileProvider creates a provider storing its identifier at path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) DeviceID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}

	data, err := os.ReadFile(p.path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			p.cached = id
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create device id directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}

	p.cached = id
	return id, nil
}
