package objstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pathomics/slidebatch/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFSStore(t *testing.T) (*FSStore, string) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	s, err := NewFSStore(filepath.Join(dir, "buckets"), "slides")
	require.NoError(t, err)
	return s, dir
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", NormalizePrefix(""))
	assert.Equal(t, "", NormalizePrefix("/"))
	assert.Equal(t, "a/", NormalizePrefix("a"))
	assert.Equal(t, "a/b/", NormalizePrefix("a/b/"))
	assert.Equal(t, "a/b/", NormalizePrefix("/a/b"))
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "a/b/c", JoinKey("a/", "/b/", "c"))
	assert.Equal(t, "a/c", JoinKey("a", "", "c"))
	assert.Equal(t, "", JoinKey())
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, validateKey("a/b.ndpi"))
	for _, key := range []string{"", "/a", "a/", "a//b", "../x", "a/./b", "a/../../b"} {
		assert.ErrorIs(t, validateKey(key), ErrInvalidKey, key)
	}
}

func TestNewFSStore_InvalidBucket(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := NewFSStore(dir, "")
	assert.Error(t, err)
	_, err = NewFSStore(dir, "a/b")
	assert.Error(t, err)
}

func TestFSStore_List(t *testing.T) {
	s, _ := newTestFSStore(t)
	ctx := context.Background()

	testutil.TempFile(t, s.BucketDir(), "breast_queue/run42/b.ndpi", "b")
	testutil.TempFile(t, s.BucketDir(), "breast_queue/run42/a.ndpi", "a")
	testutil.TempFile(t, s.BucketDir(), "breast_queue/run42/nested/c.ndpi", "c")
	testutil.TempFile(t, s.BucketDir(), "breast_queue/run43/d.ndpi", "d")

	keys, err := s.List(ctx, "breast_queue/run42")
	require.NoError(t, err)
	assert.Equal(t, []string{"breast_queue/run42/a.ndpi", "breast_queue/run42/b.ndpi"}, keys)

	keys, err = s.List(ctx, "breast_queue/run42/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestFSStore_ListMissingPrefix(t *testing.T) {
	s, _ := newTestFSStore(t)

	keys, err := s.List(context.Background(), "nothing/here")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFSStore_ListCancelled(t *testing.T) {
	s, _ := newTestFSStore(t)
	testutil.TempFile(t, s.BucketDir(), "p/a.ndpi", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.List(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFSStore_Download(t *testing.T) {
	s, dir := newTestFSStore(t)
	testutil.TempFile(t, s.BucketDir(), "breast_queue/run42/a.ndpi", "slide-bytes")

	local := filepath.Join(dir, "svs")
	path, err := s.Download(context.Background(), "breast_queue/run42/a.ndpi", local)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(local, "a.ndpi"), path)
	assert.Equal(t, "slide-bytes", testutil.ReadFile(t, path))

	_, err = os.Stat(path + ".partial")
	assert.True(t, os.IsNotExist(err))
}

func TestFSStore_DownloadMissing(t *testing.T) {
	s, dir := newTestFSStore(t)

	_, err := s.Download(context.Background(), "breast_queue/run42/missing.ndpi", dir)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFSStore_UploadDir(t *testing.T) {
	s, dir := newTestFSStore(t)
	ctx := context.Background()

	out := filepath.Join(dir, "til", "output")
	testutil.TempFile(t, out, "heatmap_a.json", "1")
	testutil.TempFile(t, out, "sub/heatmap_b.json", "2")

	n, err := s.UploadDir(ctx, out, "output/breast/run42/tok/til_vgg16")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, "1", testutil.ReadFile(t, filepath.Join(s.BucketDir(), "output/breast/run42/tok/til_vgg16/heatmap_a.json")))
	assert.Equal(t, "2", testutil.ReadFile(t, filepath.Join(s.BucketDir(), "output/breast/run42/tok/til_vgg16/sub/heatmap_b.json")))

	// Re-uploading overwrites in place.
	testutil.TempFile(t, out, "heatmap_a.json", "3")
	_, err = s.UploadDir(ctx, out, "output/breast/run42/tok/til_vgg16")
	require.NoError(t, err)
	assert.Equal(t, "3", testutil.ReadFile(t, filepath.Join(s.BucketDir(), "output/breast/run42/tok/til_vgg16/heatmap_a.json")))
}

func TestFSStore_UploadDirMissing(t *testing.T) {
	s, dir := newTestFSStore(t)

	_, err := s.UploadDir(context.Background(), filepath.Join(dir, "absent"), "out")
	assert.Error(t, err)
}

func TestFSStore_PutEmpty(t *testing.T) {
	s, _ := newTestFSStore(t)
	ctx := context.Background()

	key := "breast_queue_processed/run42/a.ndpi.processed"
	require.NoError(t, s.PutEmpty(ctx, key))
	require.NoError(t, s.PutEmpty(ctx, key))

	info, err := os.Stat(filepath.Join(s.BucketDir(), key))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	keys, err := s.List(ctx, "breast_queue_processed/run42")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestFSStore_PutEmptyInvalidKey(t *testing.T) {
	s, _ := newTestFSStore(t)
	assert.ErrorIs(t, s.PutEmpty(context.Background(), "../escape"), ErrInvalidKey)
}
