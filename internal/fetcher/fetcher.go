// Package fetcher opens local or remote data files and parses CSV, XLSX and
// JSON content.
package fetcher

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// IsRemote reports whether source is an http(s) URL rather than a local path.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Open returns a reader for source, downloading it when it is a URL.
// A missing local file is reported with an error wrapping fs.ErrNotExist.
func Open(ctx context.Context, f Fetcher, source string) (io.ReadCloser, error) {
	if IsRemote(source) {
		return f.Download(ctx, source)
	}
	file, err := os.Open(source)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", source)
	}
	return file, nil
}
