package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownload(t *testing.T) {
	payload := []byte("not really a tarball, but enough for a download test")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	filePath := path.Join(dir, "subdir", "payload.bin")
	size, err := Download(server.URL, filePath, false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// No staging leftovers.
	entries, err := os.ReadDir(path.Dir(filePath))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "payload.bin", entries[0].Name())
}

func TestDownloadNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	dir := t.TempDir()
	filePath := path.Join(dir, "missing.bin")
	_, err := Download(server.URL, filePath, false)
	require.Error(t, err)
	assert.NoFileExists(t, filePath)
}

func TestDownloadIfMissing(t *testing.T) {
	payload := []byte("cached bytes")
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	filePath := path.Join(dir, "payload.bin")
	hash := sha256.Sum256(payload)
	hexHash := hex.EncodeToString(hash[:])

	require.NoError(t, DownloadIfMissing(server.URL, filePath, hexHash))
	assert.Equal(t, 1, requests)

	// Second call finds the file and doesn't touch the server.
	require.NoError(t, DownloadIfMissing(server.URL, filePath, hexHash))
	assert.Equal(t, 1, requests)

	// A wrong hash is reported.
	err := DownloadIfMissing(server.URL, filePath, "deadbeef")
	require.Error(t, err)
}
