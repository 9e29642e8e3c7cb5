package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirStorePutObject(t *testing.T) {
	root := t.TempDir()
	store, err := NewDirStore(root, "http://localhost:8080/blobs/")
	require.NoError(t, err)

	ref, err := store.PutObject(context.Background(), "sessions/s1/notes.txt", []byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "sessions/s1/notes.txt", ref)

	data, err := os.ReadFile(filepath.Join(root, "sessions", "s1", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "http://localhost:8080/blobs/sessions/s1/notes.txt", store.PublicURL(ref))
}

func TestDirStoreKeepsWritesInsideRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewDirStore(root, "")
	require.NoError(t, err)

	ref, err := store.PutObject(context.Background(), "../../escape.txt", []byte("x"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "escape.txt", ref)
	_, err = os.Stat(filepath.Join(root, "escape.txt"))
	assert.NoError(t, err)
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey("s1", `C:\Users\me\report.pdf`)
	assert.True(t, strings.HasPrefix(key, "sessions/s1/"))
	assert.True(t, strings.HasSuffix(key, "-report.pdf"))
	assert.NotEqual(t, key, ObjectKey("s1", "report.pdf"))

	assert.True(t, strings.HasSuffix(ObjectKey("s1", ""), "-file"))
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"}, nil)
	assert.Error(t, err)
	_, err = NewS3Store(context.Background(), S3Config{Bucket: "b"}, nil)
	assert.Error(t, err)
}
