// Package savesched coalesces channel cache writes behind one global
// debounce timer. A cache calls ScheduleSave on every
// mutation; the registry restarts its timer and, when it finally fires,
// snapshots the dirty set and saves each cache outside the registry lock
// so a concurrent mutation is never blocked by disk I/O.
package savesched

import (
	"log"
	"sync"
	"time"

	"github.com/fabkury/p3a/internal/channelcache"
	"github.com/fabkury/p3a/internal/metrics"
)

// tracked pairs a registered cache with the directory it saves into.
type tracked struct {
	cache *channelcache.Cache
	dir   string
}

// Registry is the process-wide registry of loaded caches. Its zero value
// is not usable; construct with New. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	debounce time.Duration
	metrics  *metrics.Registry

	entries map[*channelcache.Cache]tracked
	dirty   map[*channelcache.Cache]bool
	timer   *time.Timer
}

// New constructs a Registry with the given debounce interval (a typical
// default is 15s; see config.Config.SaveDebounce). m may be nil.
func New(debounce time.Duration, m *metrics.Registry) *Registry {
	return &Registry{
		debounce: debounce,
		metrics:  m,
		entries:  make(map[*channelcache.Cache]tracked),
		dirty:    make(map[*channelcache.Cache]bool),
	}
}

// Register adds c to the registry so it participates in ScheduleSave and
// FlushAll. Must be called before c can schedule saves through this
// registry (internal/scheduler's loadCache does this on every load).
func (r *Registry) Register(c *channelcache.Cache, channelsDir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[c] = tracked{cache: c, dir: channelsDir}
}

// Unregister removes c from the registry. Required before the caller
// frees c's memory, so a concurrent flush cannot observe freed storage.
func (r *Registry) Unregister(c *channelcache.Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, c)
	delete(r.dirty, c)
}

// ScheduleSave implements channelcache.SaveNotifier. It marks c dirty and
// (re)starts the debounce timer; repeated calls before the timer fires
// coalesce into a single eventual save.
func (r *Registry) ScheduleSave(c *channelcache.Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c]; !ok {
		return
	}
	r.dirty[c] = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.fire)
}

// fire is the debounce timer's callback: snapshot the dirty set, drop the
// lock, then save each cache. Save errors leave the cache dirty so the
// next mutation's debounce retries it.
func (r *Registry) fire() {
	batch := r.snapshotDirty()
	r.saveBatch(batch)
}

func (r *Registry) snapshotDirty() []tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]tracked, 0, len(r.dirty))
	for c := range r.dirty {
		if t, ok := r.entries[c]; ok {
			batch = append(batch, t)
		}
		delete(r.dirty, c)
	}
	return batch
}

func (r *Registry) saveBatch(batch []tracked) {
	for _, t := range batch {
		if err := t.cache.Save(t.dir); err != nil {
			log.Printf("savesched: save channel=%s failed: %v", t.cache.ChannelID().String(), err)
			r.mu.Lock()
			if _, ok := r.entries[t.cache]; ok {
				r.dirty[t.cache] = true
			}
			r.mu.Unlock()
			continue
		}
		if r.metrics != nil {
			r.metrics.SavesTotal.Inc()
		}
	}
}

// FlushAll bypasses the debounce and saves every currently dirty cache
// synchronously. Called on shutdown or before unmounting the storage
// medium.
func (r *Registry) FlushAll() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	batch := r.snapshotDirty()
	r.saveBatch(batch)
}

// Len reports how many caches are currently registered. Test/diagnostic use.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
