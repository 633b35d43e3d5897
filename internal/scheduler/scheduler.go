// Package scheduler implements the Scheduler Core: the
// single process-wide holder of the active playset's materialized
// channel states, serializing every mutation on one mutex and delegating
// channel/entry selection to internal/pick.
package scheduler

import (
	"fmt"
	"log"
	"sync"

	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/channelcache"
	"github.com/fabkury/p3a/internal/eventbus"
	"github.com/fabkury/p3a/internal/metrics"
	"github.com/fabkury/p3a/internal/p3aerr"
	"github.com/fabkury/p3a/internal/pick"
	"github.com/fabkury/p3a/internal/playset"
	"github.com/fabkury/p3a/internal/vault"
	"github.com/google/uuid"
)

// MessageKind mirrors the renderer's channel-message states.
type MessageKind int

const (
	MessageNone MessageKind = iota
	MessageLoading
	MessageDownloading
	MessageError
)

// Renderer is the external collaborator that draws artwork and surfaces
// status text; the scheduler never renders pixels itself.
type Renderer interface {
	SetChannelMessage(channelName string, kind MessageKind, percent int, detail string)
	IsAnimationReady() bool
}

// CatalogClient is the external broker/HTTP transport for remote channel
// indices. RefreshChannelIndex starts an asynchronous refresh and returns
// nil if accepted, or p3aerr.ErrInvalidState if the collaborator reports
// itself not-ready.
type CatalogClient interface {
	RefreshChannelIndex(channelID string, kind chanid.Kind, identifier string) error
	CancelAllRefreshes()
	IsReady() bool
	// PollCompletion reports whether channelID's last RefreshChannelIndex
	// call has finished, returning the merged entries if so. Called by the
	// refresh task, never directly by the scheduler.
	PollCompletion(channelID string) (entries []channelcache.Entry, done bool)
}

// Downloader is the external content fetcher; the scheduler only tells it
// which channels matter and calls back into OnDownloadComplete/
// OnLoadFailed, it never fetches payloads itself.
type Downloader interface {
	SetChannels(ids []string)
	ResetCursors()
	Rescan()
}

// ViewTracker is the external view-tracking collaborator.
type ViewTracker interface {
	SignalSwap(postID int32, filepath string)
	Stop()
	Pause()
	Resume()
}

// ArtworkRef is what Next/Back hand back to the renderer.
type ArtworkRef struct {
	ChannelID string
	PostID    int32
	FilePath  string
	Type      channelcache.EntryType
	DwellMS   uint32
}

// channelState is the live, in-memory state of one active-playset
// channel. Round-robin credit/weight/cursor/PRNG live here, not in
// channelcache.Cache — see that package's doc comment for why.
type channelState struct {
	id   chanid.ID
	spec playset.ChannelSpec

	cache *channelcache.Cache

	active              bool
	refreshPending      bool
	refreshInProgress   bool
	refreshAsyncPending bool

	weight int
	credit int
	cursor int

	rng    *pick.RNG
	recent *pick.RecencyRing
}

// Config bundles the scheduler's filesystem roots and seed. Paths are
// supplied directly rather than through a collaborator interface so this
// package has no hard dependency on internal/collab.
type Config struct {
	ChannelsDir   string
	VaultDir      string
	AnimationsDir string
	GlobalSeed    uint64
}

// Scheduler holds the single SchedulerMutex-guarded active-channel array.
// Construct one per process; tests may construct several.
type Scheduler struct {
	mu sync.Mutex

	cfg Config

	bus        *eventbus.Bus
	catalog    CatalogClient
	downloader Downloader
	renderer   Renderer
	views      ViewTracker
	metrics    *metrics.Registry
	notifier   channelcache.SaveNotifier

	channels []*channelState
	byID     map[string]int

	exposureMode playset.ExposureMode
	pickMode     playset.PickMode
	epoch        uint64

	currentIndex int
	history      []ArtworkRef // global ring, len <= pick.HistoryRingCap
}

// New constructs a Scheduler with no active playset. bus/renderer/views
// may be nil in tests that never exercise the paths needing them; catalog
// and downloader may be nil for runs with only storage-card/artwork
// channels.
func New(cfg Config, bus *eventbus.Bus, catalog CatalogClient, downloader Downloader, renderer Renderer, views ViewTracker, m *metrics.Registry, notifier channelcache.SaveNotifier) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		bus:        bus,
		catalog:    catalog,
		downloader: downloader,
		renderer:   renderer,
		views:      views,
		metrics:    m,
		notifier:   notifier,
		byID:       make(map[string]int),
	}
}

func (s *Scheduler) loadCache(id chanid.ID) *channelcache.Cache {
	c := channelcache.Load(id, s.cfg.ChannelsDir, s.cfg.VaultDir)
	if s.notifier != nil {
		c.SetNotifier(s.notifier)
		s.notifier.Register(c, s.cfg.ChannelsDir)
	}
	return c
}

// ExecutePlayset replaces the active channel set. It
// cancels any in-flight remote refresh before taking the mutex, frees
// the prior state, seeds each
// channel's PRNG from the new epoch, marks every channel refresh_pending,
// loads every cache, recomputes weights, and either emits the first
// artwork via Next or surfaces a loading message.
func (s *Scheduler) ExecutePlayset(p playset.Playset) error {
	if len(p.Channels) == 0 {
		return fmt.Errorf("scheduler: empty playset: %w", p3aerr.ErrInvalidArg)
	}
	if len(p.Channels) > playset.MaxChannels {
		return fmt.Errorf("scheduler: %d channels exceeds max %d: %w", len(p.Channels), playset.MaxChannels, p3aerr.ErrInvalidArg)
	}
	if s.catalog != nil {
		s.catalog.CancelAllRefreshes()
	}
	if s.views != nil {
		s.views.Stop()
	}

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.exposureMode = p.ExposureMode
	s.pickMode = p.PickMode

	if s.notifier != nil {
		for _, cs := range s.channels {
			s.notifier.Unregister(cs.cache)
		}
	}

	channels := make([]*channelState, 0, len(p.Channels))
	byID := make(map[string]int, len(p.Channels))
	ids := make([]string, 0, len(p.Channels))
	for i, spec := range p.Channels {
		id := channelIDFor(spec)
		cache := s.loadCache(id)
		cs := &channelState{
			id:             id,
			spec:           spec,
			cache:          cache,
			refreshPending: true,
			rng:            pick.NewRNG(pick.SeedFor(s.cfg.GlobalSeed, i, epoch)),
			recent:         pick.NewRecencyRing(pick.RecencyRingCap),
		}
		cs.active = channelHasEntries(cs)
		channels = append(channels, cs)
		byID[id.String()] = i
		ids = append(ids, id.String())
	}
	s.channels = channels
	s.byID = byID
	s.currentIndex = -1
	s.history = nil
	s.recomputeWeightsLocked()
	anyEntries := false
	for _, cs := range channels {
		if cs.active {
			anyEntries = true
			break
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TotalAvailable.Set(float64(s.totalAvailableSnapshot()))
	}
	if s.downloader != nil {
		s.downloader.SetChannels(ids)
		s.downloader.ResetCursors()
		s.downloader.Rescan()
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.TopicPlaysetChanged, eventbus.PlaysetChanged{Name: ""})
	}

	if anyEntries {
		if _, err := s.Next(); err != nil && p3aerr.Kind(err) != p3aerr.KindNotFound {
			log.Printf("scheduler: execute_playset initial next failed: %v", err)
		}
	} else if s.renderer != nil {
		s.renderer.SetChannelMessage("", MessageLoading, 0, "")
	}
	return nil
}

func channelIDFor(spec playset.ChannelSpec) chanid.ID {
	switch spec.Type {
	case playset.ChannelSDCard:
		return chanid.Parse("sdcard")
	case playset.ChannelUser:
		return chanid.Parse("by_user_" + spec.Identifier)
	case playset.ChannelHashtag:
		return chanid.Parse("hashtag_" + spec.Identifier)
	case playset.ChannelArtwork:
		return chanid.Parse("artwork")
	default:
		return chanid.Parse(spec.Name)
	}
}

func channelHasEntries(cs *channelState) bool {
	if cs.id.Kind == chanid.KindSDCard || cs.id.Kind == chanid.KindArtwork {
		return cs.cache.CiLen() > 0
	}
	return cs.cache.LaiLen() > 0
}

// recomputeWeightsLocked implements compute_weights. Caller
// must hold s.mu.
func (s *Scheduler) recomputeWeightsLocked() {
	for _, cs := range s.channels {
		cs.active = channelHasEntries(cs)
		if !cs.active {
			cs.weight = 0
			continue
		}
		switch s.exposureMode {
		case playset.ExposureManual:
			w := int(cs.spec.Weight)
			if w < 0 {
				w = 0
			}
			cs.weight = w
		case playset.ExposureProportional:
			n := cs.cache.LaiLen()
			if cs.id.Kind == chanid.KindSDCard {
				n = cs.cache.CiLen()
			}
			if n < 1 {
				n = 1
			}
			cs.weight = n
		default: // ExposureEqual
			cs.weight = 1
		}
	}
	if s.metrics != nil {
		for _, cs := range s.channels {
			total := cs.cache.CiLen()
			cached := total
			if cs.id.Kind != chanid.KindSDCard && cs.id.Kind != chanid.KindArtwork {
				cached = cs.cache.LaiLen()
			}
			s.metrics.ChannelTotal.WithLabelValues(cs.id.String()).Set(float64(total))
			s.metrics.ChannelCached.WithLabelValues(cs.id.String()).Set(float64(cached))
		}
	}
}

// Next runs the pick engine under the scheduler mutex and returns the
// chosen artwork. It never blocks on I/O.
func (s *Scheduler) Next() (ArtworkRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *Scheduler) nextLocked() (ArtworkRef, error) {
	if len(s.channels) == 0 {
		return ArtworkRef{}, fmt.Errorf("scheduler: next: %w", p3aerr.ErrNotFound)
	}
	if s.renderer != nil && !s.renderer.IsAnimationReady() {
		return ArtworkRef{}, fmt.Errorf("scheduler: next: renderer not ready for a swap: %w", p3aerr.ErrInvalidState)
	}
	candidates := make([]pick.Candidate, len(s.channels))
	for i, cs := range s.channels {
		candidates[i] = pick.Candidate{Weight: cs.weight, Credit: cs.credit, Active: cs.active}
	}
	maxAttempts := pick.MaxWinnerAttempts(len(s.channels))
	var ref ArtworkRef
	found := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		winner, ok := pick.SelectWinner(candidates)
		if !ok {
			break
		}
		s.channels[winner].credit = candidates[winner].Credit
		entry, ok := s.pickEntry(s.channels[winner])
		if !ok {
			pick.DemoteWinner(candidates, winner)
			s.channels[winner].credit = candidates[winner].Credit
			continue
		}
		cs := s.channels[winner]
		ref = ArtworkRef{
			ChannelID: cs.id.String(),
			PostID:    entry.PostID,
			FilePath:  artworkPath(s.cfg, cs, entry),
			Type:      entry.Type,
			DwellMS:   entry.DwellMS,
		}
		s.currentIndex = winner
		found = true
		break
	}
	for i := range candidates {
		s.channels[i].credit = candidates[i].Credit
	}
	if !found {
		return ArtworkRef{}, fmt.Errorf("scheduler: next: %w", p3aerr.ErrNotFound)
	}
	s.pushHistory(ref)
	if s.metrics != nil {
		s.metrics.PicksTotal.WithLabelValues(ref.ChannelID, pickModeLabel(s.pickMode)).Inc()
	}
	if s.views != nil {
		s.views.SignalSwap(ref.PostID, ref.FilePath)
	}
	return ref, nil
}

func pickModeLabel(m playset.PickMode) string {
	if m == playset.PickRandom {
		return "random"
	}
	return "recency"
}

// pickEntry selects one entry within cs, using the
// channel's recency cursor or its seeded PRNG.
func (s *Scheduler) pickEntry(cs *channelState) (channelcache.Entry, bool) {
	length := cs.cache.LaiLen()
	useCiDirect := cs.id.Kind == chanid.KindSDCard || cs.id.Kind == chanid.KindArtwork
	if useCiDirect {
		length = cs.cache.CiLen()
	}
	if length == 0 {
		return channelcache.Entry{}, false
	}
	var idx int
	var ok bool
	if s.pickMode == playset.PickRandom {
		idx, ok = pick.NextRandomIndex(cs.rng, length, cs.recent, pick.RecencyRingCap*2)
	} else {
		idx, ok = pick.NextRecencyIndex(&cs.cursor, length)
	}
	if !ok {
		return channelcache.Entry{}, false
	}
	cs.recent.Push(idx)

	if useCiDirect {
		return cs.cache.CiGet(idx)
	}
	// Recency/random index is into the LAi array for remote channels; map
	// back to the Ci entry it names.
	postID := cs.laiPostIDAt(idx)
	entry, _, found := cs.cache.CiFindByPostID(postID)
	return entry, found
}

// laiPostIDAt maps a pick index into LAi to the post_id stored at that
// position, through channelcache.Cache.LaiPostIDAt. It lives on
// channelState because the scheduler, not the cache, owns pick indices
// into LAi.
func (cs *channelState) laiPostIDAt(idx int) int32 {
	return cs.cache.LaiPostIDAt(idx)
}

func artworkPath(cfg Config, cs *channelState, e channelcache.Entry) string {
	ext := extensionTag(e.Extension)
	if cs.id.Kind == chanid.KindSDCard {
		return cfg.AnimationsDir + "/" + e.Filename + ext
	}
	return vault.Path(cfg.VaultDir, e.StorageKey.String(), ext)
}

func (s *Scheduler) pushHistory(ref ArtworkRef) {
	s.history = append(s.history, ref)
	if len(s.history) > pick.HistoryRingCap {
		s.history = s.history[1:]
	}
}

// Back pops the tail of the global pick history and returns the prior
// artwork. An empty history returns p3aerr.ErrNotFound.
func (s *Scheduler) Back() (ArtworkRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) < 2 {
		return ArtworkRef{}, fmt.Errorf("scheduler: back: %w", p3aerr.ErrNotFound)
	}
	s.history = s.history[:len(s.history)-1]
	ref := s.history[len(s.history)-1]
	if s.views != nil {
		s.views.SignalSwap(ref.PostID, ref.FilePath)
	}
	return ref, nil
}

// OnDownloadComplete records that storageKey's file is now present for
// channelID. If the transition takes total_available from
// 0 to >0, it drops the mutex before publishing — calling Next directly
// under the mutex is forbidden.
func (s *Scheduler) OnDownloadComplete(channelID string, storageKey uuid.UUID) error {
	s.mu.Lock()
	idx, ok := s.byID[channelID]
	if !ok {
		s.mu.Unlock()
		log.Printf("scheduler: on_download_complete unknown channel=%s", channelID)
		return fmt.Errorf("scheduler: on_download_complete: %w", p3aerr.ErrNotFound)
	}
	cs := s.channels[idx]
	entry, _, found := cs.cache.CiFindByStorageKey(storageKey)
	if !found {
		// A parallel refresh may have rewritten the cache from disk; reload
		// once and retry before giving up.
		old := cs.cache
		cs.cache = s.loadCache(cs.id)
		if s.notifier != nil {
			s.notifier.Unregister(old)
		}
		s.recomputeWeightsLocked()
		entry, _, found = cs.cache.CiFindByStorageKey(storageKey)
		if !found {
			s.mu.Unlock()
			log.Printf("scheduler: on_download_complete channel=%s key=%s still not found after reload", channelID, storageKey)
			return fmt.Errorf("scheduler: on_download_complete: %w", p3aerr.ErrNotFound)
		}
	}

	wasZero := s.totalAvailableLocked() == 0
	if _, err := cs.cache.LaiAdd(entry.PostID); err != nil && p3aerr.Kind(err) != p3aerr.KindInvalidArg {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: on_download_complete: %w", err)
	}
	s.recomputeWeightsLocked()
	becameAvailable := wasZero && s.totalAvailableLocked() > 0
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.DownloadComplete.Inc()
	}
	if becameAvailable && s.bus != nil {
		s.bus.Publish(eventbus.TopicChannelAdvanced, eventbus.ChannelAdvanced{ChannelID: channelID, PostID: entry.PostID})
	}
	return nil
}

// OnLoadFailed records a render failure for storageKey, unlinks its vault
// file, removes it from LAi, and either picks again or surfaces a status
// message. Candidate vault path probing and unlink is the
// caller's (collab.Downloader/renderer glue) responsibility; this method
// only updates cache state and re-picks, matching the "vault cleanup is
// external" boundary already drawn for the content downloader.
func (s *Scheduler) OnLoadFailed(storageKey uuid.UUID, channelID string, reason string) error {
	s.mu.Lock()
	idx, ok := s.byID[channelID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: on_load_failed: %w", p3aerr.ErrNotFound)
	}
	cs := s.channels[idx]
	entry, _, found := cs.cache.CiFindByStorageKey(storageKey)
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: on_load_failed: %w", p3aerr.ErrNotFound)
	}
	cs.cache.LaiRemove(entry.PostID)
	s.recomputeWeightsLocked()
	anyAvailable := s.totalAvailableLocked() > 0
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.LoadFailed.Inc()
	}
	log.Printf("scheduler: on_load_failed channel=%s key=%s reason=%s", channelID, storageKey, reason)
	if anyAvailable {
		if _, err := s.Next(); err != nil {
			log.Printf("scheduler: on_load_failed re-pick found nothing: %v", err)
		}
	} else if s.renderer != nil {
		s.renderer.SetChannelMessage(channelID, MessageError, 0, reason)
	}
	return nil
}

func (s *Scheduler) totalAvailableLocked() int {
	total := 0
	for _, cs := range s.channels {
		if cs.id.Kind == chanid.KindSDCard || cs.id.Kind == chanid.KindArtwork {
			total += cs.cache.CiLen()
		} else {
			total += cs.cache.LaiLen()
		}
	}
	return total
}

func (s *Scheduler) totalAvailableSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalAvailableLocked()
}

// TotalAvailable reports the sum of LAi (or Ci, for storage-card/artwork)
// lengths across every active channel.
func (s *Scheduler) TotalAvailable() int {
	return s.totalAvailableSnapshot()
}

// ChannelStats reports (total, cached) for one channel id.
func (s *Scheduler) ChannelStats(channelID string) (total, cached int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[channelID]
	if !ok {
		return 0, 0, fmt.Errorf("scheduler: channel_stats: %w", p3aerr.ErrNotFound)
	}
	cs := s.channels[idx]
	total = cs.cache.CiLen()
	if cs.id.Kind == chanid.KindSDCard || cs.id.Kind == chanid.KindArtwork {
		cached = total
	} else {
		cached = cs.cache.LaiLen()
	}
	return total, cached, nil
}

// CurrentChannelID returns the channel id of the last artwork served by
// Next, or "" if Next has never succeeded.
func (s *Scheduler) CurrentChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentIndex < 0 || s.currentIndex >= len(s.channels) {
		return ""
	}
	return s.channels[s.currentIndex].id.String()
}

// IsMakapixChannel reports whether id names a channel backed by the
// remote catalog (named-remote, user, or hashtag) as opposed to the
// storage card or a transient artwork request.
func (s *Scheduler) IsMakapixChannel(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[channelID]
	if !ok {
		return false
	}
	switch s.channels[idx].id.Kind {
	case chanid.KindNamedRemote, chanid.KindUser, chanid.KindHashtag:
		return true
	default:
		return false
	}
}

// PendingRefreshChannels returns channels currently refresh_pending and
// not refresh_in_progress, for the refresh task to consume. It does not
// itself flip any flags.
func (s *Scheduler) PendingRefreshChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, cs := range s.channels {
		if cs.refreshPending && !cs.refreshInProgress {
			out = append(out, cs.id.String())
		}
	}
	return out
}

// AsyncPendingChannels returns channels currently refresh_async_pending,
// for the refresh task's completion-polling step.
func (s *Scheduler) AsyncPendingChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, cs := range s.channels {
		if cs.refreshAsyncPending {
			out = append(out, cs.id.String())
		}
	}
	return out
}

// BeginRefresh marks channelID refresh_in_progress and clears
// refresh_pending, returning the channel's kind/identifier for dispatch.
// ok is false if the channel is unknown or was
// already in progress.
func (s *Scheduler) BeginRefresh(channelID string) (kind chanid.Kind, identifier string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, found := s.byID[channelID]
	if !found {
		return chanid.KindUnknown, "", false
	}
	cs := s.channels[idx]
	if cs.refreshInProgress {
		return cs.id.Kind, cs.id.Identifier, false
	}
	cs.refreshInProgress = true
	cs.refreshPending = false
	return cs.id.Kind, cs.id.Identifier, true
}

// RequeueRefresh re-arms channelID's refresh_pending flag and clears
// refresh_in_progress, so the channel is dispatched again on a later
// tick — used when the catalog collaborator is not ready or rejects the
// request, and when a storage-card index build or artwork fetch fails.
func (s *Scheduler) RequeueRefresh(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byID[channelID]; ok {
		s.channels[idx].refreshPending = true
		s.channels[idx].refreshInProgress = false
	}
}

// SetRefreshAsyncPending flips channelID's refresh_async_pending flag,
// used when a remote refresh is accepted by the catalog client and
// cleared again once it completes.
func (s *Scheduler) SetRefreshAsyncPending(channelID string, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byID[channelID]; ok {
		s.channels[idx].refreshAsyncPending = pending
	}
}

// CompleteRefresh clears channelID's refresh_in_progress flag and
// recomputes weights. If this is the transition from zero to nonzero
// total availability, it publishes a play-next event after releasing
// the mutex rather than calling Next directly.
func (s *Scheduler) CompleteRefresh(channelID string) {
	s.mu.Lock()
	idx, ok := s.byID[channelID]
	if !ok {
		s.mu.Unlock()
		return
	}
	wasZero := s.totalAvailableLocked() == 0
	s.channels[idx].refreshInProgress = false
	s.recomputeWeightsLocked()
	becameAvailable := wasZero && s.totalAvailableLocked() > 0
	s.mu.Unlock()

	if becameAvailable && s.bus != nil {
		s.bus.Publish(eventbus.TopicChannelAdvanced, eventbus.ChannelAdvanced{ChannelID: channelID})
	}
}

// ReloadChannelCache re-reads channelID's cache file from disk, for the
// storage-card and artwork dispatch paths that write a fresh file out of
// band and need the scheduler to pick it up. It
// keeps the refresh_async_pending/in_progress flags untouched; the
// caller is expected to follow with CompleteRefresh.
func (s *Scheduler) ReloadChannelCache(channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[channelID]
	if !ok {
		return fmt.Errorf("scheduler: reload_channel_cache: %w", p3aerr.ErrNotFound)
	}
	cs := s.channels[idx]
	old := cs.cache
	cs.cache = s.loadCache(cs.id)
	if s.notifier != nil {
		s.notifier.Unregister(old)
	}
	s.recomputeWeightsLocked()
	return nil
}

// MergeRemoteEntries merges entries into channelID's in-memory cache
// without reloading from disk — the refresh completion path must keep
// the cache that was just mutated rather than re-reading a file a
// concurrent save may be mid-write on.
func (s *Scheduler) MergeRemoteEntries(channelID string, entries []channelcache.Entry) (added int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[channelID]
	if !ok {
		return 0, fmt.Errorf("scheduler: merge_remote_entries: %w", p3aerr.ErrNotFound)
	}
	added, _, _ = s.channels[idx].cache.MergeCi(entries)
	s.recomputeWeightsLocked()
	return added, nil
}

// RearmAllRefresh sets refresh_pending on every active-playset channel,
// used by the refresh task's one-hour periodic cycle.
func (s *Scheduler) RearmAllRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.channels {
		cs.refreshPending = true
	}
}

// defaultArtworkDwellMS is the dwell time applied to artwork and
// show-url hand-offs, which arrive with no dwell of their own (a single
// remote-control post or a locally downloaded file, not a Ci entry).
const defaultArtworkDwellMS = 5000

// PlayNamedChannel loads a single named-remote channel (e.g. "all",
// "promoted") as the whole active playset, equal exposure, recency pick.
func (s *Scheduler) PlayNamedChannel(name string) error {
	return s.ExecutePlayset(playset.Playset{
		ExposureMode: playset.ExposureEqual,
		PickMode:     playset.PickRecency,
		Channels:     []playset.ChannelSpec{{Type: playset.ChannelNamedRemote, Name: name}},
	})
}

// PlayUserChannel loads the channel for the user identified by sqid as the
// whole active playset.
func (s *Scheduler) PlayUserChannel(sqid string) error {
	return s.ExecutePlayset(playset.Playset{
		ExposureMode: playset.ExposureEqual,
		PickMode:     playset.PickRecency,
		Channels:     []playset.ChannelSpec{{Type: playset.ChannelUser, Identifier: sqid}},
	})
}

// PlayHashtagChannel loads the channel for hashtag tag as the whole active
// playset.
func (s *Scheduler) PlayHashtagChannel(tag string) error {
	return s.ExecutePlayset(playset.Playset{
		ExposureMode: playset.ExposureEqual,
		PickMode:     playset.PickRecency,
		Channels:     []playset.ChannelSpec{{Type: playset.ChannelHashtag, Identifier: tag}},
	})
}

// PlayArtwork loads the single-entry artwork channel, merges in the one
// post being pushed, and plays it immediately. artURL has no field in the
// Ci binary layout (§3/§6 give it no slot); it is accepted here purely to
// match the collaborator signature callers expect and is not persisted —
// a remote-control surface wanting to re-derive it is expected to keep its
// own post_id -> art_url mapping, the way collab.LocalArtworkFetcher's
// target resolver already does for refresh.
func (s *Scheduler) PlayArtwork(postID int32, storageKey uuid.UUID, artURL string) error {
	_ = artURL
	spec := playset.ChannelSpec{Type: playset.ChannelArtwork, Name: "artwork"}
	if err := s.ExecutePlayset(playset.Playset{Channels: []playset.ChannelSpec{spec}}); err != nil {
		return err
	}
	id := channelIDFor(spec)

	s.mu.Lock()
	idx, ok := s.byID[id.String()]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: play_artwork: %w", p3aerr.ErrInvalidState)
	}
	cs := s.channels[idx]
	cs.cache.MergeCi([]channelcache.Entry{{
		PostID:     postID,
		StorageKey: storageKey,
		Type:       channelcache.EntryStill,
		DwellMS:    defaultArtworkDwellMS,
	}})
	s.recomputeWeightsLocked()
	s.mu.Unlock()

	if _, err := s.Next(); err != nil && p3aerr.Kind(err) != p3aerr.KindNotFound {
		return err
	}
	return nil
}

// PlayLocalFile plays path immediately, bypassing the pick engine and the
// active playset entirely — it is the scheduler-side half of the
// show-url hand-off: a file just downloaded to disk, not a cache entry.
func (s *Scheduler) PlayLocalFile(path string) {
	s.mu.Lock()
	ref := ArtworkRef{ChannelID: "sdcard", FilePath: path, Type: channelcache.EntryStill, DwellMS: defaultArtworkDwellMS}
	s.pushHistory(ref)
	s.mu.Unlock()

	if s.views != nil {
		s.views.SignalSwap(ref.PostID, ref.FilePath)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicChannelAdvanced, eventbus.ChannelAdvanced{ChannelID: ref.ChannelID, PostID: ref.PostID})
	}
}

// ChannelStat is one channel's row within PlaysetStats.
type ChannelStat struct {
	ChannelID string
	Total     int
	Cached    int
}

// PlaysetStats summarizes the active playset across every channel.
type PlaysetStats struct {
	TotalAvailable int
	Channels       []ChannelStat
}

// GetStats reports total_available alongside a per-channel (total, cached)
// breakdown in one locked pass, for collaborators that would otherwise
// call ChannelStats once per channel.
func (s *Scheduler) GetStats() PlaysetStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := PlaysetStats{Channels: make([]ChannelStat, 0, len(s.channels))}
	for _, cs := range s.channels {
		total := cs.cache.CiLen()
		cached := total
		if cs.id.Kind != chanid.KindSDCard && cs.id.Kind != chanid.KindArtwork {
			cached = cs.cache.LaiLen()
		}
		stats.Channels = append(stats.Channels, ChannelStat{ChannelID: cs.id.String(), Total: total, Cached: cached})
		stats.TotalAvailable += cached
	}
	return stats
}

// CacheSnapshotForDispatch returns channelID's current Ci length for the
// refresh task's artwork dispatch branch, without reaching into
// channelState directly; ok is false if the channel is not in the active
// playset. It does not check whether a vault file exists for the entry.
func (s *Scheduler) CacheSnapshotForDispatch(channelID string) (ciLen int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, found := s.byID[channelID]
	if !found {
		return 0, false
	}
	return s.channels[idx].cache.CiLen(), true
}

func extensionTag(b byte) string {
	// Extension tags are caller-defined; the reference
	// collaborators in internal/collab use vault.ExtensionForURL's fixed
	// ordering, so a numeric tag indexes into vault.Extensions.
	idx := int(b)
	if idx < 0 || idx >= len(vault.Extensions) {
		return vault.Extensions[len(vault.Extensions)-1]
	}
	return vault.Extensions[idx]
}
