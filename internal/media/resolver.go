// Package media turns a send-file source (remote URL or local path) into a
// ready-to-send staged artifact.
package media

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"context"

	"github.com/nmoreno/instagateway/internal/platform"
)

// Kind selects the platform send capability for a staged file.
type Kind int

const (
	KindPhoto Kind = iota
	KindVideo
)

var photoExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

var videoExts = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
	".mkv": true,
}

// Classify picks the send capability for a file. Unrecognized extensions fall
// back to photo.
func Classify(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	if videoExts[ext] {
		return KindVideo
	}
	return KindPhoto
}

// Extensions for declared content types of media downloads.
var extByContentType = map[string]string{
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/webp":       ".webp",
	"image/gif":        ".gif",
	"video/mp4":        ".mp4",
	"video/quicktime":  ".mov",
	"video/x-msvideo":  ".avi",
	"video/x-matroska": ".mkv",
}

// Resolver stages remote media sources into temporary files.
type Resolver struct {
	httpClient *http.Client
}

// NewResolver creates a resolver with the given download timeout.
func NewResolver(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Resolve returns a local path for the source plus a cleanup func. Remote
// sources are downloaded into a temporary file which cleanup removes; local
// paths pass through with a no-op cleanup. Callers must invoke cleanup on
// every exit path after the send attempt.
func (r *Resolver) Resolve(ctx context.Context, source string) (string, func(), error) {
	if !isRemote(source) {
		return source, func() {}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid media url: %v", platform.ErrTransport, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("%w: media fetch failed: %v", platform.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("%w: media fetch returned status %d", platform.ErrTransport, resp.StatusCode)
	}

	ext := extensionFor(resp.Header.Get("Content-Type"), source)
	tmp, err := os.CreateTemp("", "media-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to stage media: %w", err)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("%w: media download failed: %v", platform.ErrTransport, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to stage media: %w", err)
	}

	path := tmp.Name()
	return path, func() { os.Remove(path) }, nil
}

func isRemote(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// extensionFor infers a file extension from the declared content type, falling
// back to the URL's own suffix.
func extensionFor(contentType, source string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ext, ok := extByContentType[ct]; ok {
		return ext
	}
	if u, err := url.Parse(source); err == nil {
		if ext := filepath.Ext(u.Path); ext != "" {
			return ext
		}
	}
	return filepath.Ext(source)
}
