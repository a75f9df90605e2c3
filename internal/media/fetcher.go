// Package media downloads inbound attachments to local files under a
// configurable size cap and tags them with a MIME type.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	fetchTimeout = 30 * time.Second

	// DefaultMaxMB applies when the account config does not set
	// media_max_mb.
	DefaultMaxMB = 20
)

// ErrTooLarge is returned when the attachment exceeds the size cap.
var ErrTooLarge = errors.New("media exceeds size limit")

// Fetcher downloads attachments into a working directory.
type Fetcher struct {
	dir    string
	client *http.Client
}

// NewFetcher creates a fetcher that stores files under dir.
func NewFetcher(dir string) (*Fetcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &Fetcher{
		dir:    dir,
		client: &http.Client{Timeout: fetchTimeout},
	}, nil
}

// Result describes one downloaded attachment.
type Result struct {
	Path string
	MIME string
	Size int64
}

// Fetch downloads url to a local file, enforcing maxMB. A zero maxMB
// falls back to DefaultMaxMB.
func (f *Fetcher) Fetch(ctx context.Context, url string, maxMB int) (*Result, error) {
	if maxMB <= 0 {
		maxMB = DefaultMaxMB
	}
	limit := int64(maxMB) << 20

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	if resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d bytes > %d MB", ErrTooLarge, resp.ContentLength, maxMB)
	}

	mimeType := strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0])
	name := uuid.NewString()[:8] + extensionFor(mimeType, url)
	path := filepath.Join(f.dir, name)

	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create media file: %w", err)
	}
	// LimitReader with one extra byte detects bodies that lie about
	// their length.
	n, err := io.Copy(out, io.LimitReader(resp.Body, limit+1))
	closeErr := out.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("save media: %w", err)
	}
	if closeErr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("save media: %w", closeErr)
	}
	if n > limit {
		os.Remove(path)
		return nil, fmt.Errorf("%w: body > %d MB", ErrTooLarge, maxMB)
	}

	return &Result{Path: path, MIME: mimeType, Size: n}, nil
}

func extensionFor(mimeType, url string) string {
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if ext := filepath.Ext(url); len(ext) > 1 && len(ext) <= 5 {
		return ext
	}
	return ".bin"
}
