package client

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/bulkgen/internal/config"
)

func TestFileStore_UploadAndDelete(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "/files/")
	require.NoError(t, err)

	url, err := fs.Upload(context.Background(), "bulk/job-1/p-1_0.png", strings.NewReader("png"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "/files/bulk/job-1/p-1_0.png", url)

	data, err := os.ReadFile(filepath.Join(dir, "bulk", "job-1", "p-1_0.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	require.NoError(t, fs.Delete(context.Background(), "bulk/job-1/p-1_0.png"))
	_, err = os.Stat(filepath.Join(dir, "bulk", "job-1", "p-1_0.png"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, fs.Delete(context.Background(), "bulk/job-1/p-1_0.png"), "deleting twice is fine")
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "")
	require.NoError(t, err)

	for _, key := range []string{"", "..", "../etc/passwd", "a/../../b"} {
		_, err := fs.Upload(context.Background(), key, strings.NewReader("x"), "")
		assert.Error(t, err, "key %q", key)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"/bulk/a.png":  "bulk/a.png",
		"./bulk/a.png": "bulk/a.png",
		"bulk\\a.png":  "bulk/a.png",
		"bulk//x/../a": "bulk/a",
	}
	for in, want := range cases {
		got, err := sanitizeKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestNewOutputStorage(t *testing.T) {
	st, err := NewOutputStorage(&config.StorageConfig{Driver: "local", LocalPath: t.TempDir()}, &config.R2Config{})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)

	_, err = NewOutputStorage(&config.StorageConfig{Driver: "r2"}, &config.R2Config{})
	assert.Error(t, err, "incomplete R2 config")

	_, err = NewOutputStorage(&config.StorageConfig{Driver: "ftp"}, &config.R2Config{})
	assert.Error(t, err)
}
