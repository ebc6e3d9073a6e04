package deviceid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	id, err := Static("device-42").DeviceID()
	require.NoError(t, err)
	assert.Equal(t, "device-42", id)
}

func TestFileProviderGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids", "device-id")
	p := NewFileProvider(path)

	id, err := p.DeviceID()
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "generated id should be a UUID")

	// A fresh provider reading the same file returns the same id.
	again, err := NewFileProvider(path).DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestFileProviderReadsExistingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device-id")
	require.NoError(t, os.WriteFile(path, []byte("preexisting-id\n"), 0o600))

	id, err := NewFileProvider(path).DeviceID()
	require.NoError(t, err)
	assert.Equal(t, "preexisting-id", id)
}

func TestFileProviderCachesID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device-id")
	p := NewFileProvider(path)

	id, err := p.DeviceID()
	require.NoError(t, err)

	// The cached value survives removal of the backing file.
	require.NoError(t, os.Remove(path))
	again, err := p.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}
