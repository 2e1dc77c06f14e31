package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/dustin/go-humanize"
	"github.com/kiranshivaraju/geoconvert/internal/config"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// uploadChunkSize bounds the memory a single resumable upload buffers.
const uploadChunkSize = 16 << 20

// GCSStore keeps artifacts in a Google Cloud Storage bucket. Objects become
// visible only when the writer closes successfully, so an interrupted upload
// never replaces the previous object.
type GCSStore struct {
	client  *storage.Client
	bucket  *storage.BucketHandle
	baseURL string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore connects to the bucket named in cfg.
func NewGCSStore(ctx context.Context, cfg config.StorageConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		if cfg.CredentialsFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}
	return &GCSStore{
		client:  client,
		bucket:  client.Bucket(cfg.Bucket),
		baseURL: cfg.PublicBaseURL,
	}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if err := ValidKey(key); err != nil {
		return "", err
	}

	// Cancelling the writer's context aborts the upload without committing it.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.bucket.Object(key).NewWriter(wctx)
	w.ContentType = contentType
	w.ChunkSize = uploadChunkSize

	n, err := io.Copy(w, r)
	if err != nil {
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("commit %s: %w", key, err)
	}

	slog.Debug("artifact stored", "key", key, "size", humanize.Bytes(uint64(n)))
	return s.URL(key), nil
}

func (s *GCSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	rc, err := s.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return rc, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	err := s.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ValidKey(prefix + "x"); err != nil {
		return 0, err
	}

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	deleted := 0
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("list %s: %w", prefix, err)
		}
		if err := s.bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return deleted, fmt.Errorf("delete %s: %w", attrs.Name, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *GCSStore) URL(key string) string {
	return publicURL(s.baseURL, key)
}
