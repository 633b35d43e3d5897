// Package refresh implements the Refresh Task: the single
// background worker that walks refresh_pending channels, dispatching to
// the storage-card indexer, the artwork fetcher, or the remote catalog
// client depending on channel kind, and polls for asynchronous catalog
// completions. It never holds the scheduler's mutex directly — every
// state transition goes through internal/scheduler's refresh-facing API.
package refresh

import (
	"context"
	"log"
	"time"

	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/eventbus"
	"github.com/fabkury/p3a/internal/metrics"
	"github.com/fabkury/p3a/internal/scheduler"
)

// SDCardIndexer scans the animations directory and writes a fresh Ci
// binary to <channels_dir>/sdcard.bin.
type SDCardIndexer interface {
	BuildIndex() error
}

// ArtworkFetcher blocks downloading a single artwork channel's target
// into the vault, reporting progress as it goes.
// The channel identifier names which artwork to fetch; see
// collab.LocalArtworkFetcher for the reference implementation, which
// resolves the target URL through an ArtworkTargetResolver.
type ArtworkFetcher interface {
	FetchArtwork(ctx context.Context, channelID string, progress func(percent int)) error
}

// Task owns the refresh worker's schedule and collaborators.
type Task struct {
	sched   *scheduler.Scheduler
	catalog scheduler.CatalogClient
	sdcard  SDCardIndexer
	artwork ArtworkFetcher
	metrics *metrics.Registry
	bus     *eventbus.Bus

	pollTick time.Duration
	rearm    time.Duration

	signal chan struct{}
}

// New constructs a Task. catalog/sdcard/artwork may be nil when the
// playset never contains that channel kind. bus may be nil; if set, the
// task wakes immediately on TopicPlaysetChanged instead of waiting for
// the next poll tick; ExecutePlayset has already marked every channel
// refresh_pending, so a new playset is refreshed on that wake. The
// periodic rearm timer is not reset by a playset change.
func New(sched *scheduler.Scheduler, catalog scheduler.CatalogClient, sdcard SDCardIndexer, artwork ArtworkFetcher, m *metrics.Registry, bus *eventbus.Bus, pollTick, rearm time.Duration) *Task {
	if pollTick <= 0 {
		pollTick = time.Second
	}
	if rearm <= 0 {
		rearm = time.Hour
	}
	t := &Task{
		sched:    sched,
		catalog:  catalog,
		sdcard:   sdcard,
		artwork:  artwork,
		metrics:  m,
		bus:      bus,
		pollTick: pollTick,
		rearm:    rearm,
		signal:   make(chan struct{}, 1),
	}
	if bus != nil {
		bus.Subscribe(eventbus.TopicPlaysetChanged, func(any) { t.Signal() })
	}
	return t
}

// Signal wakes the task immediately instead of waiting for the next poll
// tick. Safe to call from any goroutine; coalesces if already pending.
func (t *Task) Signal() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Run blocks servicing refresh_pending channels until ctx is cancelled.
func (t *Task) Run(ctx context.Context) {
	ticker := time.NewTicker(t.pollTick)
	defer ticker.Stop()
	lastRearm := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.signal:
		case <-ticker.C:
		}
		t.tick()
		if time.Since(lastRearm) >= t.rearm {
			t.sched.RearmAllRefresh()
			lastRearm = time.Now()
			t.Signal()
		}
	}
}

func (t *Task) tick() {
	t.pollAsyncCompletions()
	t.dispatchPending()
}

// pollAsyncCompletions is step 1: for every refresh_async_pending channel,
// check whether the catalog collaborator has finished and merge if so.
func (t *Task) pollAsyncCompletions() {
	if t.catalog == nil {
		return
	}
	for _, channelID := range t.sched.AsyncPendingChannels() {
		entries, done := t.catalog.PollCompletion(channelID)
		if !done {
			continue
		}
		if _, err := t.sched.MergeRemoteEntries(channelID, entries); err != nil {
			log.Printf("refresh: merge channel=%s failed: %v", channelID, err)
			continue
		}
		t.sched.SetRefreshAsyncPending(channelID, false)
		t.sched.CompleteRefresh(channelID)
	}
}

// dispatchPending is steps 2-5: claim and service every channel that is
// refresh_pending and not already in progress.
func (t *Task) dispatchPending() {
	for _, channelID := range t.sched.PendingRefreshChannels() {
		kind, identifier, ok := t.sched.BeginRefresh(channelID)
		if !ok {
			continue
		}
		start := time.Now()
		switch kind {
		case chanid.KindSDCard:
			t.dispatchSDCard(channelID)
		case chanid.KindArtwork:
			t.dispatchArtwork(channelID)
		default:
			t.dispatchRemote(channelID, kind, identifier)
		}
		if t.metrics != nil {
			t.metrics.RefreshDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (t *Task) dispatchSDCard(channelID string) {
	if t.sdcard != nil {
		if err := t.sdcard.BuildIndex(); err != nil {
			log.Printf("refresh: sdcard build_index failed: %v", err)
			t.sched.RequeueRefresh(channelID)
			return
		}
	}
	if err := t.sched.ReloadChannelCache(channelID); err != nil {
		log.Printf("refresh: sdcard reload channel=%s failed: %v", channelID, err)
	}
	t.sched.CompleteRefresh(channelID)
}

func (t *Task) dispatchArtwork(channelID string) {
	if ciLen, ok := t.sched.CacheSnapshotForDispatch(channelID); ok && ciLen > 0 {
		t.sched.CompleteRefresh(channelID)
		return
	}
	if t.artwork == nil {
		t.sched.CompleteRefresh(channelID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	err := t.artwork.FetchArtwork(ctx, channelID, func(percent int) {})
	if err != nil {
		log.Printf("refresh: artwork fetch channel=%s failed: %v", channelID, err)
		t.sched.RequeueRefresh(channelID)
		return
	}
	if err := t.sched.ReloadChannelCache(channelID); err != nil {
		log.Printf("refresh: artwork reload channel=%s failed: %v", channelID, err)
	}
	t.sched.CompleteRefresh(channelID)
}

func (t *Task) dispatchRemote(channelID string, kind chanid.Kind, identifier string) {
	if t.catalog == nil || !t.catalog.IsReady() {
		t.sched.RequeueRefresh(channelID)
		return
	}
	if err := t.catalog.RefreshChannelIndex(channelID, kind, identifier); err != nil {
		t.sched.RequeueRefresh(channelID)
		return
	}
	t.sched.SetRefreshAsyncPending(channelID, true)
}
