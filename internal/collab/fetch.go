package collab

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/fabkury/p3a/internal/httpclient"
	"github.com/fabkury/p3a/internal/p3aerr"
)

// fetchInto GETs rawURL and atomically writes it to finalPath (temp file +
// fsync + rename), skipping the request entirely if finalPath already
// holds a non-empty file. Shared by LocalDownloader and LocalArtworkFetcher,
// both of which fetch a payload into the content-addressed vault and
// differ only in what they do with the result afterward.
func fetchInto(ctx context.Context, client *http.Client, policy httpclient.RetryPolicy, rawURL, finalPath, dir string) error {
	if fi, err := os.Stat(finalPath); err == nil && fi.Size() > 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, policy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collab: fetch %s: HTTP %d: %w", rawURL, resp.StatusCode, p3aerr.ErrIOFail)
	}

	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, finalPath)
}
