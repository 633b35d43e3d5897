package collab

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/channelcache"
	"github.com/fabkury/p3a/internal/httpclient"
	"github.com/fabkury/p3a/internal/vault"
	"github.com/google/uuid"
)

// URLResolver maps a channel's Ci entry to the remote URL its payload can
// be fetched from. Ci carries no URL (the binary format is fixed-size and
// URL-free); a real downloader would get this from the same broker call
// that populated Ci. ok is false when the entry has no known source, e.g.
// a post the broker has since retracted.
type URLResolver func(channelID string, e channelcache.Entry) (rawURL string, ok bool)

// SchedulerCallback is the subset of *scheduler.Scheduler the downloader
// calls back into once a fetch attempt finishes.
type SchedulerCallback interface {
	OnDownloadComplete(channelID string, storageKey uuid.UUID) error
	OnLoadFailed(storageKey uuid.UUID, channelID string, reason string) error
}

type downloadState struct {
	cache  *channelcache.Cache
	cursor int
}

// LocalDownloader is the reference content-downloader collaborator: it walks each tracked channel's Ci for entries missing from LAi via
// channelcache.Cache.NextMissing, fetches their vault payload, and calls
// back into the scheduler. In-flight fetches are deduplicated per storage
// key with a wait-channel map, the same double-checked-locking shape as a
// content materializer cache.
type LocalDownloader struct {
	channelsDir string
	vaultDir    string
	client      *http.Client
	policy      httpclient.RetryPolicy
	resolve     URLResolver
	sched       SchedulerCallback

	mu       sync.Mutex
	channels map[string]*downloadState

	inflightMu sync.Mutex
	inFlight   map[uuid.UUID]chan struct{}
}

// NewLocalDownloader constructs a LocalDownloader. resolve/sched may be nil
// in tests that only exercise SetChannels/ResetCursors bookkeeping.
func NewLocalDownloader(channelsDir, vaultDir string, resolve URLResolver, sched SchedulerCallback) *LocalDownloader {
	return &LocalDownloader{
		channelsDir: channelsDir,
		vaultDir:    vaultDir,
		client:      httpclient.Default(),
		policy:      httpclient.DefaultRetryPolicy,
		resolve:     resolve,
		sched:       sched,
		channels:    make(map[string]*downloadState),
		inFlight:    make(map[uuid.UUID]chan struct{}),
	}
}

// SetSchedulerCallback attaches the scheduler callback after construction,
// for callers that must build the downloader before the scheduler exists
// (the scheduler's own constructor takes a Downloader).
func (d *LocalDownloader) SetSchedulerCallback(s SchedulerCallback) {
	d.mu.Lock()
	d.sched = s
	d.mu.Unlock()
}

// SetChannels replaces the tracked channel set with ids, reloading each
// channel's cache fresh from disk.
func (d *LocalDownloader) SetChannels(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = make(map[string]*downloadState, len(ids))
	for _, id := range ids {
		d.channels[id] = &downloadState{cache: channelcache.Load(chanid.Parse(id), d.channelsDir, d.vaultDir)}
	}
}

// ResetCursors restarts every tracked channel's NextMissing walk from the
// top of Ci, used after a batch merge widens what "missing" means.
func (d *LocalDownloader) ResetCursors() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.channels {
		st.cursor = 0
	}
}

// Rescan walks every tracked channel once, fetching the first missing
// entry it finds per channel. Callers decide when to invoke it
// (scheduler.ExecutePlayset calls it once after loading a playset); the
// downloader has no timer loop of its own.
func (d *LocalDownloader) Rescan() {
	d.mu.Lock()
	snapshot := make(map[string]*downloadState, len(d.channels))
	for id, st := range d.channels {
		snapshot[id] = st
	}
	d.mu.Unlock()

	for channelID, st := range snapshot {
		d.fetchNext(channelID, st)
	}
}

func (d *LocalDownloader) fetchNext(channelID string, st *downloadState) {
	if st.cache == nil || !st.cache.ChannelID().HasLAi() {
		return // storage-card channels have no LAi; every Ci entry is already local
	}
	entry, ok := st.cache.NextMissing(&st.cursor)
	if !ok {
		return
	}
	if d.resolve == nil {
		return
	}
	rawURL, ok := d.resolve(channelID, entry)
	if !ok {
		return
	}
	if err := d.downloadDeduped(entry.StorageKey, rawURL); err != nil {
		log.Printf("collab: download channel=%s key=%s failed: %v", channelID, entry.StorageKey, err)
		if d.sched != nil {
			if cerr := d.sched.OnLoadFailed(entry.StorageKey, channelID, err.Error()); cerr != nil {
				log.Printf("collab: on_load_failed channel=%s key=%s failed: %v", channelID, entry.StorageKey, cerr)
			}
		}
		return
	}
	if d.sched != nil {
		if err := d.sched.OnDownloadComplete(channelID, entry.StorageKey); err != nil {
			log.Printf("collab: on_download_complete channel=%s key=%s failed: %v", channelID, entry.StorageKey, err)
		}
	}
}

// downloadDeduped waits for an existing in-flight fetch of key to finish
// instead of starting a second one, tracking in-flight keys in the inFlight
// map of wait channels.
func (d *LocalDownloader) downloadDeduped(key uuid.UUID, rawURL string) error {
	d.inflightMu.Lock()
	if wait, exists := d.inFlight[key]; exists {
		d.inflightMu.Unlock()
		<-wait
		return nil
	}
	done := make(chan struct{})
	d.inFlight[key] = done
	d.inflightMu.Unlock()
	defer func() {
		d.inflightMu.Lock()
		delete(d.inFlight, key)
		close(done)
		d.inflightMu.Unlock()
	}()
	return d.download(key, rawURL)
}

func (d *LocalDownloader) download(key uuid.UUID, rawURL string) error {
	ext := vault.ExtensionForURL(rawURL)
	finalPath := vault.Path(d.vaultDir, key.String(), ext)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fetchInto(ctx, d.client, d.policy, rawURL, finalPath, vault.Dir(d.vaultDir, key.String()))
}
