// Package artifact stores conversion inputs and outputs as addressable
// objects and maps object keys to the public URLs clients load them from.
package artifact

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
)

var ErrNotFound = errors.New("artifact not found")
var ErrInvalidKey = errors.New("invalid artifact key")

// Store is the artifact storage interface. Put never leaves a half-written
// object visible: a failed Put keeps whatever was previously stored at key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete treats a missing object as success.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	URL(key string) string
}

// publicURL joins base and key, escaping each key segment.
func publicURL(base, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segs, "/")
}

var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".js":   "application/javascript",
	".css":  "text/css",
	".json": "application/json",
	".bin":  "application/octet-stream",
	".las":  "application/octet-stream",
	".laz":  "application/octet-stream",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// ContentTypeFor returns the content type served for a file name, based on
// its extension. Unknown extensions are served as application/octet-stream.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
