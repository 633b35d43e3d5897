// Package channelcache owns one channel's Ci (catalog index) and LAi
// (locally available index) in memory and on disk.
// Thread-safety, atomic persist, and legacy-format migration live here;
// round-robin pick state (credit, weight, cursor, PRNG) intentionally
// does not — that state lives in internal/scheduler instead, keeping the
// cache file format and the pick state it feeds cleanly separated.
package channelcache

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/p3aerr"
	"github.com/fabkury/p3a/internal/vault"
	"github.com/google/uuid"
)

// SaveNotifier is implemented by the save scheduler. Cache calls
// ScheduleSave after any mutation so the debounce timer restarts; the
// scheduler core calls Register/Unregister around each cache's
// lifetime so ScheduleSave knows where to save it and a freed Cache can no
// longer be flushed.
type SaveNotifier interface {
	ScheduleSave(c *Cache)
	Register(c *Cache, channelsDir string)
	Unregister(c *Cache)
}

// Cache holds one channel's Ci + LAi plus the two O(1) indices rebuilt on
// every load and after every merge (never persisted to disk).
type Cache struct {
	id     chanid.ID
	sdcard bool

	ci          []Entry
	byPostID    map[int32]int
	byStorageKey map[uuid.UUID]int

	lai    []int32
	laiSet map[int32]struct{}

	dirty    bool
	notifier SaveNotifier
}

// New returns an empty cache for id, as returned by Load when no file is
// present or the file is unreadable: absent is empty, not an error.
func New(id chanid.ID) *Cache {
	c := &Cache{
		id:           id,
		sdcard:       id.Kind == chanid.KindSDCard,
		byPostID:     make(map[int32]int),
		byStorageKey: make(map[uuid.UUID]int),
	}
	if id.HasLAi() {
		c.laiSet = make(map[int32]struct{})
	}
	return c
}

// SetNotifier registers the save scheduler that ScheduleSave-debounced
// mutations should notify. Nil disables notification (used in tests).
func (c *Cache) SetNotifier(n SaveNotifier) { c.notifier = n }

// ChannelID returns the channel this cache belongs to.
func (c *Cache) ChannelID() chanid.ID { return c.id }

// IsSDCard reports whether this is the storage-card cache (160-byte Ci
// entries, no LAi).
func (c *Cache) IsSDCard() bool { return c.sdcard }

// Dirty reports whether the cache has pending changes not yet on disk.
func (c *Cache) Dirty() bool { return c.dirty }

// CiLen returns the number of Ci entries.
func (c *Cache) CiLen() int { return len(c.ci) }

// LaiLen returns the number of LAi entries (0 for storage-card channels).
func (c *Cache) LaiLen() int { return len(c.lai) }

// CiGet returns the Ci entry at index, or (Entry{}, false) if out of range.
func (c *Cache) CiGet(index int) (Entry, bool) {
	if index < 0 || index >= len(c.ci) {
		return Entry{}, false
	}
	return c.ci[index], true
}

// CiFindByPostID returns the Ci entry with the given post_id, O(1).
func (c *Cache) CiFindByPostID(postID int32) (Entry, int, bool) {
	idx, ok := c.byPostID[postID]
	if !ok {
		return Entry{}, -1, false
	}
	return c.ci[idx], idx, true
}

// CiFindByStorageKey returns the Ci entry with the given storage key, O(1).
// Meaningless (always miss) for storage-card channels, which have no
// storage keys.
func (c *Cache) CiFindByStorageKey(key uuid.UUID) (Entry, int, bool) {
	idx, ok := c.byStorageKey[key]
	if !ok {
		return Entry{}, -1, false
	}
	return c.ci[idx], idx, true
}

// LaiPostIDAt returns the post_id stored at position idx in the LAi
// array, or 0 if idx is out of range. Used by the pick engine's caller
// (internal/scheduler) to map a recency/random index into LAi back to
// the Ci entry it names.
func (c *Cache) LaiPostIDAt(idx int) int32 {
	if idx < 0 || idx >= len(c.lai) {
		return 0
	}
	return c.lai[idx]
}

// LaiContains reports whether post_id is in LAi, O(1).
func (c *Cache) LaiContains(postID int32) bool {
	if c.laiSet == nil {
		return false
	}
	_, ok := c.laiSet[postID]
	return ok
}

// LaiAdd adds post_id to LAi. Returns (false, nil) if already present
// (idempotent). Fails with p3aerr.ErrInvalidArg if no Ci
// entry has that post_id, and p3aerr.ErrNotSupported for storage-card
// channels, which carry no LAi.
func (c *Cache) LaiAdd(postID int32) (bool, error) {
	if !c.id.HasLAi() {
		return false, p3aerr.ErrNotSupported
	}
	if _, _, ok := c.CiFindByPostID(postID); !ok {
		return false, p3aerr.ErrInvalidArg
	}
	if _, ok := c.laiSet[postID]; ok {
		return false, nil
	}
	c.lai = append(c.lai, postID)
	c.laiSet[postID] = struct{}{}
	c.markDirtyAndSchedule()
	return true, nil
}

// LaiRemove removes post_id from LAi via swap-and-pop. The membership check
// is a set lookup, but the entry's position is found by a linear scan of
// the LAi array, so removal is O(n) in the LAi length. Returns
// (false, nil) if not present.
func (c *Cache) LaiRemove(postID int32) (bool, error) {
	if !c.id.HasLAi() {
		return false, p3aerr.ErrNotSupported
	}
	if _, ok := c.laiSet[postID]; !ok {
		return false, nil
	}
	for i, pid := range c.lai {
		if pid == postID {
			last := len(c.lai) - 1
			c.lai[i] = c.lai[last]
			c.lai = c.lai[:last]
			break
		}
	}
	delete(c.laiSet, postID)
	c.markDirtyAndSchedule()
	return true, nil
}

func (c *Cache) markDirtyAndSchedule() {
	c.dirty = true
	if c.notifier != nil {
		c.notifier.ScheduleSave(c)
	}
}

// NextMissing advances *cursor to the next Ci index not present in LAi
// and returns that entry; used by the downloader to walk the
// "needs download" list. Returns (Entry{}, false) once the
// whole Ci array has been scanned without finding a miss.
func (c *Cache) NextMissing(cursor *int) (Entry, bool) {
	for *cursor < len(c.ci) {
		e := c.ci[*cursor]
		*cursor++
		if !c.LaiContains(e.PostID) {
			return e, true
		}
	}
	return Entry{}, false
}

// MergeCi appends new entries to Ci. The 1024-entry cap is enforced at
// merge time by rejecting entries once
// the cap is reached (reject-new, not truncate-oldest — Ci is append-only
// and never reordered, so dropping old entries would invalidate LAi
// references by post_id). Duplicate post_id/storage_key are skipped, not
// counted as rejected-for-cap.
func (c *Cache) MergeCi(entries []Entry) (added, rejectedForCap, rejectedDup int) {
	for _, e := range entries {
		if _, _, ok := c.CiFindByPostID(e.PostID); ok {
			rejectedDup++
			continue
		}
		if !c.sdcard {
			if _, _, ok := c.CiFindByStorageKey(e.StorageKey); ok {
				rejectedDup++
				continue
			}
		}
		if len(c.ci) >= MaxCiEntries {
			rejectedForCap++
			continue
		}
		idx := len(c.ci)
		c.ci = append(c.ci, e)
		c.byPostID[e.PostID] = idx
		if !c.sdcard {
			c.byStorageKey[e.StorageKey] = idx
		}
		added++
	}
	if added > 0 {
		c.markDirtyAndSchedule()
	}
	if rejectedForCap > 0 {
		log.Printf("channelcache: merge id=%s rejected=%d entries at cap=%d", c.id, rejectedForCap, MaxCiEntries)
	}
	return added, rejectedForCap, rejectedDup
}

func (c *Cache) rebuildIndices() {
	c.byPostID = make(map[int32]int, len(c.ci))
	c.byStorageKey = make(map[uuid.UUID]int, len(c.ci))
	for i, e := range c.ci {
		c.byPostID[e.PostID] = i
		if !c.sdcard {
			c.byStorageKey[e.StorageKey] = i
		}
	}
}

func cacheFilePath(channelsDir string, id chanid.ID) string {
	return filepath.Join(channelsDir, id.FilePath()+".bin")
}

// Load reads the channel's cache file, or returns a fresh empty cache if
// the file is absent, malformed, or checksum-mismatched — corruption is
// never an error (silently treated as empty; a log
// line is the only user-visible signal). A legacy (pre-v20, headerless)
// file is migrated in place: accepted as raw Ci, LAi rebuilt by scanning
// vaultDir, and the cache marked dirty so the next save writes v20. This
// is the repo's one canonical LAi-rebuild site: RebuildLAi must never be
// invoked from the refresh task.
func Load(id chanid.ID, channelsDir, vaultDir string) *Cache {
	path := cacheFilePath(channelsDir, id)
	data, err := os.ReadFile(path)
	if err != nil {
		return New(id)
	}
	return loadFromBytes(id, data, vaultDir)
}

func loadFromBytes(id chanid.ID, data []byte, vaultDir string) *Cache {
	sdcard := id.Kind == chanid.KindSDCard
	if len(data) >= headerSize {
		h := decodeHeader(data[:headerSize])
		if h.magic == magicV20 && h.version == versionV20 {
			if c, ok := loadV20(id, data, h); ok {
				return c
			}
			log.Printf("channelcache: load id=%s checksum mismatch, treating as empty", id)
			return New(id)
		}
	}
	entSz := entrySize(sdcard)
	if len(data) > 0 && len(data)%entSz == 0 {
		return loadLegacy(id, data, entSz, sdcard, vaultDir)
	}
	log.Printf("channelcache: load id=%s unrecognized format (%d bytes), treating as empty", id, len(data))
	return New(id)
}

func loadV20(id chanid.ID, data []byte, h header) (*Cache, bool) {
	withZero := make([]byte, len(data))
	copy(withZero, data)
	binary.LittleEndian.PutUint32(withZero[24:28], 0)
	if checksum(withZero) != h.checksum {
		return nil, false
	}
	c := New(id)
	entSz := entrySize(c.sdcard)
	ciEnd := int(h.ciOffset) + int(h.ciCount)*entSz
	if int(h.ciOffset) < 0 || ciEnd > len(data) {
		return nil, false
	}
	c.ci = make([]Entry, 0, h.ciCount)
	for i := uint32(0); i < h.ciCount; i++ {
		off := int(h.ciOffset) + int(i)*entSz
		buf := data[off : off+entSz]
		if c.sdcard {
			c.ci = append(c.ci, decodeSDCardEntry(buf))
		} else {
			c.ci = append(c.ci, decodeRemoteEntry(buf))
		}
	}
	laiEnd := int(h.laiOffset) + int(h.laiCount)*laiEntrySize
	if int(h.laiOffset) < 0 || laiEnd > len(data) {
		return nil, false
	}
	if id.HasLAi() {
		c.lai = make([]int32, 0, h.laiCount)
		c.laiSet = make(map[int32]struct{}, h.laiCount)
		for i := uint32(0); i < h.laiCount; i++ {
			off := int(h.laiOffset) + int(i)*laiEntrySize
			pid := int32(binary.LittleEndian.Uint32(data[off : off+4]))
			c.lai = append(c.lai, pid)
			c.laiSet[pid] = struct{}{}
		}
	}
	c.rebuildIndices()
	return c, true
}

func loadLegacy(id chanid.ID, data []byte, entSz int, sdcard bool, vaultDir string) *Cache {
	c := New(id)
	count := len(data) / entSz
	if count > MaxCiEntries {
		log.Printf("channelcache: legacy load id=%s truncating %d entries to cap %d", id, count, MaxCiEntries)
		count = MaxCiEntries
	}
	c.ci = make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		buf := data[i*entSz : (i+1)*entSz]
		if sdcard {
			c.ci = append(c.ci, decodeSDCardEntry(buf))
		} else {
			c.ci = append(c.ci, decodeRemoteEntry(buf))
		}
	}
	c.rebuildIndices()
	if id.HasLAi() {
		n := c.RebuildLAi(vaultDir)
		log.Printf("channelcache: legacy migration id=%s ci=%d lai=%d", id, len(c.ci), n)
	}
	c.dirty = true
	return c
}

// RebuildLAi rescans the vault for each Ci entry's expected file path and
// resets LAi to match what is actually present. This is exported for the
// legacy-migration path in Load only; the refresh task never calls it
// directly (the refresh completion path must keep
// the in-memory cache rather than rebuilding LAi from disk).
func (c *Cache) RebuildLAi(vaultDir string) int {
	if !c.id.HasLAi() {
		return 0
	}
	c.lai = c.lai[:0]
	c.laiSet = make(map[int32]struct{})
	for _, e := range c.ci {
		if c.sdcard {
			continue
		}
		present := false
		for _, ext := range vault.Extensions {
			if _, err := os.Stat(vault.Path(vaultDir, e.StorageKey.String(), ext)); err == nil {
				present = true
				break
			}
		}
		if present {
			c.lai = append(c.lai, e.PostID)
			c.laiSet[e.PostID] = struct{}{}
		}
	}
	return len(c.lai)
}

// Save writes the cache to <channel_id>.bin in channelsDir via a temp
// file + fsync + rename. On any failure the temp
// file is removed and the prior on-disk file (if any) is left in place;
// the cache's dirty flag is left set so the next debounce retries.
func (c *Cache) Save(channelsDir string) error {
	buf := c.encode()
	path := cacheFilePath(channelsDir, c.id)
	tmp, err := os.CreateTemp(channelsDir, ".channelcache-*.bin.tmp")
	if err != nil {
		return fmt.Errorf("channelcache save id=%s: create temp: %w", c.id, err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(buf)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if writeErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("channelcache save id=%s: write: %w", c.id, writeErr)
		}
		if syncErr != nil {
			return fmt.Errorf("channelcache save id=%s: fsync: %w", c.id, syncErr)
		}
		return fmt.Errorf("channelcache save id=%s: close: %w", c.id, closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("channelcache save id=%s: rename: %w", c.id, err)
	}
	c.dirty = false
	return nil
}

func (c *Cache) encode() []byte {
	entSz := entrySize(c.sdcard)
	ciOffset := headerSize
	laiOffset := ciOffset + len(c.ci)*entSz
	total := laiOffset + len(c.lai)*laiEntrySize

	buf := make([]byte, total)
	h := header{
		magic:     magicV20,
		version:   versionV20,
		ciCount:   uint32(len(c.ci)),
		laiCount:  uint32(len(c.lai)),
		ciOffset:  uint32(ciOffset),
		laiOffset: uint32(laiOffset),
		channelID: channelIDField(c.id.String()),
	}
	copy(buf[:headerSize], encodeHeader(h))
	for i, e := range c.ci {
		off := ciOffset + i*entSz
		var eb []byte
		if c.sdcard {
			eb = encodeSDCardEntry(e)
		} else {
			eb = encodeRemoteEntry(e)
		}
		copy(buf[off:off+entSz], eb)
	}
	for i, pid := range c.lai {
		off := laiOffset + i*laiEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(pid))
	}
	crc := checksum(buf)
	binary.LittleEndian.PutUint32(buf[24:28], crc)
	return buf
}
