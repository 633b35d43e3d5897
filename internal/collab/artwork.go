package collab

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/channelcache"
	"github.com/fabkury/p3a/internal/httpclient"
	"github.com/fabkury/p3a/internal/p3aerr"
	"github.com/fabkury/p3a/internal/vault"
	"github.com/google/uuid"
)

// ArtworkTargetResolver returns the URL the artwork channel should show
// next. ok is false when nothing has been set yet (e.g. no remote control
// request has arrived), in which case the refresh task leaves the channel
// refresh_pending and tries again on the next tick.
type ArtworkTargetResolver func(channelID string) (rawURL string, ok bool)

// LocalArtworkFetcher implements refresh.ArtworkFetcher: it downloads the
// artwork channel's current target straight into the vault and writes a
// single-entry Ci for it, the same fetch-then-record shape as
// LocalDownloader's download path but for the one-shot artwork channel
// rather than a paged remote feed.
type LocalArtworkFetcher struct {
	channelsDir string
	vaultDir    string
	client      *http.Client
	policy      httpclient.RetryPolicy
	resolve     ArtworkTargetResolver

	mu  sync.Mutex
	key uuid.UUID // storage key of the last successful fetch, stable across re-fetches of the same target
}

func NewLocalArtworkFetcher(channelsDir, vaultDir string, resolve ArtworkTargetResolver) *LocalArtworkFetcher {
	return &LocalArtworkFetcher{
		channelsDir: channelsDir,
		vaultDir:    vaultDir,
		client:      httpclient.Default(),
		policy:      httpclient.DefaultRetryPolicy,
		resolve:     resolve,
	}
}

// FetchArtwork downloads the current target and records it as channelID's
// sole Ci entry; no LAi entry is written (the scheduler counts an artwork
// channel as available when its Ci is non-empty). progress is accepted to satisfy refresh.ArtworkFetcher
// but unused: a single artwork fetch is short enough that the refresh
// task's 5-minute timeout, not a percent readout, is the relevant signal.
func (f *LocalArtworkFetcher) FetchArtwork(ctx context.Context, channelID string, progress func(percent int)) error {
	if f.resolve == nil {
		return fmt.Errorf("collab: artwork fetch channel=%s: %w: no target resolver configured", channelID, p3aerr.ErrInvalidState)
	}
	rawURL, ok := f.resolve(channelID)
	if !ok {
		return fmt.Errorf("collab: artwork fetch channel=%s: %w: no target set", channelID, p3aerr.ErrNotFound)
	}

	f.mu.Lock()
	key := f.key
	if key == uuid.Nil {
		key = uuid.New()
		f.key = key
	}
	f.mu.Unlock()

	ext := vault.ExtensionForURL(rawURL)
	if err := fetchInto(ctx, f.client, f.policy, rawURL, vault.Path(f.vaultDir, key.String(), ext), vault.Dir(f.vaultDir, key.String())); err != nil {
		return err
	}

	c := channelcache.New(chanid.Parse("artwork"))
	c.MergeCi([]channelcache.Entry{{
		PostID:     0,
		StorageKey: key,
		Type:       channelcache.EntryStill,
	}})
	return c.Save(f.channelsDir)
}
