// Package showurl implements the Show-URL Task: a
// user-initiated, single-shot "play this URL now" download, serialized so
// it never competes with the main content downloader on the storage bus.
// The fetch-with-progress loop reports chunked progress as it downloads;
// the fsync+rename finalize matches internal/channelcache's
// atomic-persist pattern.
package showurl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabkury/p3a/internal/httpclient"
	"github.com/fabkury/p3a/internal/p3aerr"
	"github.com/fabkury/p3a/internal/safeurl"
	"golang.org/x/time/rate"
)

var allowedExtensions = map[string]bool{
	".gif": true, ".webp": true, ".jpg": true, ".jpeg": true, ".png": true,
}

// StorageLock reports whether the animations directory is currently
// unavailable for writes (e.g. a USB export is active).
type StorageLock interface {
	IsLocked() bool
}

// CacheReloader is implemented by internal/scheduler; Task calls it after
// a successful download so the storage-card channel picks up the new file
// without waiting for the refresh task's next tick.
type CacheReloader interface {
	ReloadChannelCache(channelID string) error
}

// LocalFilePlayer is implemented by internal/scheduler; Task calls it after
// a successful download so the newly saved file plays immediately,
// bypassing the normal pick cycle, instead of waiting its turn in the
// storage-card channel's weighted rotation.
type LocalFilePlayer interface {
	PlayLocalFile(path string)
}

// ProgressFunc reports download progress as a 0-100 percent, called only
// when the percent value changes and the response declared a length.
type ProgressFunc func(percent int)

// Config bundles the Task's filesystem roots and tunables.
type Config struct {
	AnimationsDir string
	DownloadsDir  string
	HTTPTimeout   time.Duration
	CancelWait    time.Duration
	MaxBytes      int64
	ChunkBytes    int
	ChunkPacing   time.Duration
}

type inflight struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// Task serializes show-url downloads: a new Play call cancels whatever is
// currently running and waits briefly for it to unwind before starting.
type Task struct {
	cfg Config

	storageLock StorageLock
	cacheReload CacheReloader
	localPlayer LocalFilePlayer
	cancelFuncs []func()
	onProgress  ProgressFunc

	mu      sync.Mutex
	current *inflight
}

// New constructs a Task. storageLock/cacheReload/localPlayer may be nil in
// tests. cancelFuncs are invoked before every download starts, standing in
// for "cancel the catalog's current channel load, all running remote
// refreshes, the content downloader".
func New(cfg Config, storageLock StorageLock, cacheReload CacheReloader, localPlayer LocalFilePlayer, cancelFuncs []func(), onProgress ProgressFunc) *Task {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.CancelWait <= 0 {
		cfg.CancelWait = 5 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 16 << 20
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 128 << 10
	}
	if cfg.ChunkPacing <= 0 {
		cfg.ChunkPacing = 10 * time.Millisecond
	}
	return &Task{cfg: cfg, storageLock: storageLock, cacheReload: cacheReload, localPlayer: localPlayer, cancelFuncs: cancelFuncs, onProgress: onProgress}
}

// Play runs the full show-url protocol for rawURL, blocking until the
// download finishes, fails, or is superseded by a later Play call.
func (t *Task) Play(ctx context.Context, rawURL string) (finalPath string, err error) {
	ext, base, verr := validate(rawURL)
	if verr != nil {
		return "", verr
	}
	if t.storageLock != nil && t.storageLock.IsLocked() {
		return "", fmt.Errorf("showurl: storage locked: %w", p3aerr.ErrInvalidState)
	}

	t.cancelCurrentAndWait()
	for _, f := range t.cancelFuncs {
		f()
	}

	finalPath, err = t.allocateFinalName(base, ext)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(t.cfg.DownloadsDir, 0755); err != nil {
		return "", fmt.Errorf("showurl: prepare downloads dir: %w", err)
	}
	tmpPath := filepath.Join(t.cfg.DownloadsDir, fmt.Sprintf("showurl-%d.tmp", time.Now().UnixNano()))

	inf := &inflight{done: make(chan struct{})}
	t.mu.Lock()
	t.current = inf
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.current == inf {
			t.current = nil
		}
		t.mu.Unlock()
		close(inf.done)
	}()

	if derr := t.download(ctx, rawURL, tmpPath, inf); derr != nil {
		os.Remove(tmpPath)
		return "", derr
	}
	if ferr := finalize(tmpPath, finalPath); ferr != nil {
		os.Remove(tmpPath)
		return "", ferr
	}
	if t.cacheReload != nil {
		if err := t.cacheReload.ReloadChannelCache("sdcard"); err != nil {
			return finalPath, fmt.Errorf("showurl: reload sdcard cache: %w", err)
		}
	}
	if t.localPlayer != nil {
		t.localPlayer.PlayLocalFile(finalPath)
	}
	return finalPath, nil
}

// cancelCurrentAndWait implements the "new request sets the cancel flag
// on the current one and waits briefly (up to ~5s)" rule.
func (t *Task) cancelCurrentAndWait() {
	t.mu.Lock()
	cur := t.current
	t.mu.Unlock()
	if cur == nil {
		return
	}
	cur.cancelled.Store(true)
	select {
	case <-cur.done:
	case <-time.After(t.cfg.CancelWait):
	}
}

func validate(rawURL string) (ext, base string, err error) {
	if !safeurl.IsHTTPOrHTTPS(rawURL) {
		return "", "", fmt.Errorf("showurl: %w: unsupported URL scheme", p3aerr.ErrInvalidArg)
	}
	u, perr := url.Parse(rawURL)
	if perr != nil || u.Path == "" || u.Path == "/" {
		return "", "", fmt.Errorf("showurl: %w: URL has no path component", p3aerr.ErrInvalidArg)
	}
	name := path.Base(u.Path)
	ext = strings.ToLower(path.Ext(name))
	if !allowedExtensions[ext] {
		return "", "", fmt.Errorf("showurl: %w: unsupported extension %q", p3aerr.ErrInvalidArg, ext)
	}
	base = strings.TrimSuffix(name, path.Ext(name))
	if base == "" {
		base = "artwork"
	}
	return ext, base, nil
}

// allocateFinalName probes base.ext, base_1.ext, ... base_9999.ext in the
// animations directory and returns the first name that does not exist
// starting from the bare name and falling back to numbered suffixes.
func (t *Task) allocateFinalName(base, ext string) (string, error) {
	candidate := filepath.Join(t.cfg.AnimationsDir, base+ext)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}
	for i := 1; i <= 9999; i++ {
		candidate = filepath.Join(t.cfg.AnimationsDir, fmt.Sprintf("%s_%d%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("showurl: %w: no free filename for %q after 9999 attempts", p3aerr.ErrNoMem, base)
}

func (t *Task) download(ctx context.Context, rawURL, tmpPath string, inf *inflight) error {
	client := httpclient.Default()
	client.Timeout = t.cfg.HTTPTimeout
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.ShowURLRetryPolicy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("showurl: %w: HTTP %d", p3aerr.ErrIOFail, resp.StatusCode)
	}
	if resp.ContentLength > t.cfg.MaxBytes {
		return fmt.Errorf("showurl: %w: Content-Length %d exceeds %d", p3aerr.ErrInvalidSize, resp.ContentLength, t.cfg.MaxBytes)
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()

	limiter := rate.NewLimiter(rate.Every(t.cfg.ChunkPacing), 1)
	buf := make([]byte, t.cfg.ChunkBytes)
	var received int64
	lastPercent := -1
	for {
		if inf.cancelled.Load() {
			return p3aerr.ErrCancelled
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			received += int64(n)
			if received > t.cfg.MaxBytes {
				return fmt.Errorf("showurl: %w: exceeded %d bytes with no declared length", p3aerr.ErrInvalidSize, t.cfg.MaxBytes)
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			if resp.ContentLength > 0 && t.onProgress != nil {
				percent := int(received * 100 / resp.ContentLength)
				if percent != lastPercent {
					lastPercent = percent
					t.onProgress(percent)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// finalize fsyncs and closes tmpPath, then renames it to finalPath
// ("fflush + fsync + close, rename").
func finalize(tmpPath, finalPath string) error {
	f, err := os.OpenFile(tmpPath, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}
