package artifact

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/geoconvert/internal/config"
)

// Backend is a Store that holds client resources.
type Backend interface {
	Store
	Close() error
}

// Open connects to the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendGCS:
		s, err := NewGCSStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendLocal:
		s, err := NewLocalStore(cfg.LocalDir, cfg.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
}

// FileServer exposes a local store's tree over HTTP. Other backends serve
// their own objects and yield nil.
func FileServer(b Store) http.Handler {
	if ls, ok := b.(*LocalStore); ok {
		return http.FileServer(http.Dir(ls.root))
	}
	return nil
}
