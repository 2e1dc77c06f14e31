package artifact_test

import (
	"context"
	"strings"
	"testing"

	"github.com/kiranshivaraju/geoconvert/internal/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract checks the behaviour every artifact backend must share.
// s must be empty and publish under baseURL.
func runStoreContract(t *testing.T, s artifact.Store, baseURL string) {
	t.Run("put and open", func(t *testing.T) {
		ctx := context.Background()
		url, err := s.Put(ctx, "projects/C-1/ortho/ortho.tif", strings.NewReader("tiff"), "image/tiff")
		require.NoError(t, err)
		assert.Equal(t, baseURL+"/projects/C-1/ortho/ortho.tif", url)
		assert.Equal(t, url, s.URL("projects/C-1/ortho/ortho.tif"))
		assert.Equal(t, "tiff", readAll(t, s, "projects/C-1/ortho/ortho.tif"))
	})

	t.Run("put overwrites", func(t *testing.T) {
		ctx := context.Background()
		_, err := s.Put(ctx, "projects/C-2/thumbnail.png", strings.NewReader("old"), "image/png")
		require.NoError(t, err)
		_, err = s.Put(ctx, "projects/C-2/thumbnail.png", strings.NewReader("new"), "image/png")
		require.NoError(t, err)
		assert.Equal(t, "new", readAll(t, s, "projects/C-2/thumbnail.png"))
	})

	t.Run("failed put keeps previous object", func(t *testing.T) {
		ctx := context.Background()
		key := "projects/C-3/ortho/ortho.tif"
		_, err := s.Put(ctx, key, strings.NewReader("live"), "image/tiff")
		require.NoError(t, err)

		_, err = s.Put(ctx, key, &failingReader{}, "image/tiff")
		require.Error(t, err)
		assert.Equal(t, "live", readAll(t, s, key))
	})

	t.Run("open missing", func(t *testing.T) {
		_, err := s.Open(context.Background(), "projects/C-4/none.bin")
		assert.ErrorIs(t, err, artifact.ErrNotFound)
	})

	t.Run("delete missing is success", func(t *testing.T) {
		ctx := context.Background()
		_, err := s.Put(ctx, "jobs/c5.laz", strings.NewReader("x"), "")
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "jobs/c5.laz"))
		require.NoError(t, s.Delete(ctx, "jobs/c5.laz"))

		_, err = s.Open(ctx, "jobs/c5.laz")
		assert.ErrorIs(t, err, artifact.ErrNotFound)
	})

	t.Run("delete prefix", func(t *testing.T) {
		ctx := context.Background()
		for _, k := range []string{
			"projects/C-6/pointcloud/metadata.json",
			"projects/C-6/pointcloud/octree.bin",
			"projects/C-6/pointcloud/hierarchy.bin",
			"projects/C-6/thumbnail.png",
			"projects/C-60/thumbnail.png",
		} {
			_, err := s.Put(ctx, k, strings.NewReader(k), "")
			require.NoError(t, err)
		}

		n, err := s.DeletePrefix(ctx, "projects/C-6/pointcloud/")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, "projects/C-6/thumbnail.png", readAll(t, s, "projects/C-6/thumbnail.png"))

		n, err = s.DeletePrefix(ctx, "projects/C-6/")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, "projects/C-60/thumbnail.png", readAll(t, s, "projects/C-60/thumbnail.png"))

		n, err = s.DeletePrefix(ctx, "projects/none/")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("rejects escaping keys", func(t *testing.T) {
		ctx := context.Background()
		for _, k := range []string{"../etc/passwd", "/abs", "a//b", `a\b`, "a/./b", ""} {
			_, err := s.Put(ctx, k, strings.NewReader("x"), "")
			assert.ErrorIs(t, err, artifact.ErrInvalidKey, k)
		}
		_, err := s.DeletePrefix(ctx, "../")
		assert.ErrorIs(t, err, artifact.ErrInvalidKey)
	})
}
