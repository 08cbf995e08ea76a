package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// downloadTimeout bounds an image download from a URL.
	downloadTimeout = 30 * time.Minute
	// maxDownloadBytes caps a downloaded image (20 GiB).
	maxDownloadBytes int64 = 20 << 30
)

var errTooLarge = errors.New("image exceeds download limit")

// IsURL reports whether src is fetched over HTTP rather than read from disk.
func IsURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// openSource opens a local file or starts an HTTP download. total is -1
// when the size is unknown.
func openSource(ctx context.Context, src string) (rc io.ReadCloser, total int64, err error) {
	if !IsURL(src) {
		f, err := os.Open(src) //nolint:gosec // operator-supplied image path
		if err != nil {
			return nil, 0, fmt.Errorf("open %s: %w", src, err)
		}
		total = -1
		if fi, serr := f.Stat(); serr == nil {
			total = fi.Size()
		}
		return f, total, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create HTTP request: %w", err)
	}
	client := &http.Client{Timeout: downloadTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTP GET %s: %w", src, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("HTTP GET %s: status %s", src, resp.Status)
	}
	if resp.ContentLength > maxDownloadBytes {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("HTTP GET %s: %w (%d bytes)", src, errTooLarge, resp.ContentLength)
	}
	return &limitedBody{r: io.LimitReader(resp.Body, maxDownloadBytes+1), c: resp.Body}, resp.ContentLength, nil
}

// limitedBody fails the copy once more than maxDownloadBytes arrived.
type limitedBody struct {
	r    io.Reader
	c    io.Closer
	read int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.read += int64(n)
	if b.read > maxDownloadBytes {
		return n, errTooLarge
	}
	return n, err
}

func (b *limitedBody) Close() error { return b.c.Close() }
