// Package playset implements the Playset Store: named, persisted channel
// sets that the pick engine and scheduler draw from. A playset binds an
// ordered list of channel specs to an exposure mode and a pick mode.
package playset

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fabkury/p3a/internal/p3aerr"
)

// ExposureMode controls how per-channel weight is derived.
type ExposureMode uint8

const (
	ExposureEqual ExposureMode = iota
	ExposureManual
	ExposureProportional
)

// PickMode controls how the per-channel entry cursor advances.
type PickMode uint8

const (
	PickRecency PickMode = iota
	PickRandom
)

// ChannelType mirrors chanid.Kind but is independently encoded so the
// on-disk format does not depend on chanid's internal numbering.
type ChannelType uint8

const (
	ChannelUnknown ChannelType = iota
	ChannelSDCard
	ChannelNamedRemote
	ChannelUser
	ChannelHashtag
	ChannelArtwork
)

// ChannelSpec is one playset member: enough to reconstruct a chanid.ID and
// to carry a manual-mode weight and a cached display name.
type ChannelSpec struct {
	Type        ChannelType
	Name        string // raw identifier (e.g. "all", "promoted", "sdcard")
	Identifier  string // sqid or hashtag, empty for named/sdcard/artwork
	DisplayName string
	Weight      uint32 // meaningful only under ExposureManual
}

// Playset is the in-memory decoded form of a playset file.
type Playset struct {
	ExposureMode ExposureMode
	PickMode     PickMode
	Channels     []ChannelSpec
}

// ProtectedNames lists playsets that external callers (e.g. a remote
// control surface) may not delete or overwrite. Internal callers — the
// scheduler reconciling its own state — are unaffected; they call Save/
// Delete directly instead of SaveExternal/DeleteExternal.
var ProtectedNames = map[string]bool{
	"followed_artists": true,
}

// IsProtected reports whether name is in ProtectedNames.
func IsProtected(name string) bool {
	return ProtectedNames[name]
}

func filePath(dir, name string) string {
	return filepath.Join(dir, name+".playset")
}

func encode(p Playset) []byte {
	n := len(p.Channels)
	if n > MaxChannels {
		n = MaxChannels
	}
	buf := make([]byte, headerSize+n*entrySize)
	h := rawHeader{
		magic:        magic,
		version:      version,
		exposureMode: uint8(p.ExposureMode),
		pickMode:     uint8(p.PickMode),
		channelCount: uint16(n),
	}
	copy(buf[0:headerSize], encodeHeader(h))
	for i := 0; i < n; i++ {
		off := headerSize + i*entrySize
		copy(buf[off:off+entrySize], encodeChannelSpec(p.Channels[i]))
	}
	binary4zero(buf)
	h.checksum = checksum(buf)
	copy(buf[0:headerSize], encodeHeader(h))
	return buf
}

// binary4zero zeroes the checksum field (header bytes [12:16]) before the
// CRC is computed over the whole buffer.
func binary4zero(buf []byte) {
	for i := 12; i < 16; i++ {
		buf[i] = 0
	}
}

// Save persists p under name in dir via temp-file-write, fsync, rename. It
// performs no protection check; callers exposing playset mutation to an
// external control surface must call SaveExternal instead.
func Save(dir, name string, p Playset) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return fmt.Errorf("playset: invalid name %q: %w", name, p3aerr.ErrInvalidArg)
	}
	if len(p.Channels) > MaxChannels {
		return fmt.Errorf("playset: %d channels exceeds max %d: %w", len(p.Channels), MaxChannels, p3aerr.ErrInvalidArg)
	}
	data := encode(p)
	final := filePath(dir, name)
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("playset: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("playset: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("playset: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("playset: close: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("playset: rename: %w", err)
	}
	return nil
}

// SaveExternal is Save with an added protected-name check, for
// control-surface callers.
func SaveExternal(dir, name string, p Playset) error {
	if IsProtected(name) {
		return fmt.Errorf("playset: %q is protected: %w", name, p3aerr.ErrInvalidState)
	}
	return Save(dir, name, p)
}

// Load reads and decodes the named playset. It returns p3aerr.ErrNotFound
// if the file does not exist, p3aerr.ErrInvalidCRC on checksum mismatch,
// and p3aerr.ErrInvalidVersion on an unrecognized version or magic. A
// corrupt file is left in place for post-mortem, matching channelcache.
func Load(dir, name string) (Playset, error) {
	path := filePath(dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Playset{}, fmt.Errorf("playset %q: %w", name, p3aerr.ErrNotFound)
		}
		return Playset{}, fmt.Errorf("playset %q: read: %w", name, err)
	}
	if len(data) < headerSize {
		return Playset{}, fmt.Errorf("playset %q: truncated header: %w", name, p3aerr.ErrInvalidSize)
	}
	h := decodeHeader(data[:headerSize])
	if h.magic != magic {
		return Playset{}, fmt.Errorf("playset %q: bad magic: %w", name, p3aerr.ErrInvalidVersion)
	}
	if h.version != version {
		return Playset{}, fmt.Errorf("playset %q: version %d unsupported: %w", name, h.version, p3aerr.ErrInvalidVersion)
	}
	want := int(h.channelCount)
	if want > MaxChannels {
		return Playset{}, fmt.Errorf("playset %q: channel_count %d exceeds max: %w", name, want, p3aerr.ErrInvalidSize)
	}
	expectedLen := headerSize + want*entrySize
	if len(data) != expectedLen {
		return Playset{}, fmt.Errorf("playset %q: size %d, want %d: %w", name, len(data), expectedLen, p3aerr.ErrInvalidSize)
	}

	verify := make([]byte, len(data))
	copy(verify, data)
	binary4zero(verify)
	if checksum(verify) != h.checksum {
		log.Printf("playset: %q: checksum mismatch, leaving file in place", name)
		return Playset{}, fmt.Errorf("playset %q: checksum mismatch: %w", name, p3aerr.ErrInvalidCRC)
	}

	p := Playset{
		ExposureMode: ExposureMode(h.exposureMode),
		PickMode:     PickMode(h.pickMode),
		Channels:     make([]ChannelSpec, want),
	}
	for i := 0; i < want; i++ {
		off := headerSize + i*entrySize
		p.Channels[i] = decodeChannelSpec(data[off : off+entrySize])
	}
	return p, nil
}

// Exists reports whether a playset file exists under dir.
func Exists(dir, name string) bool {
	_, err := os.Stat(filePath(dir, name))
	return err == nil
}

// Delete removes the named playset file. Deleting a file that does not
// exist is not an error.
func Delete(dir, name string) error {
	if err := os.Remove(filePath(dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("playset: delete %q: %w", name, err)
	}
	return nil
}

// DeleteExternal is Delete with the protected-name check.
func DeleteExternal(dir, name string) error {
	if IsProtected(name) {
		return fmt.Errorf("playset: %q is protected: %w", name, p3aerr.ErrInvalidState)
	}
	return Delete(dir, name)
}

// List returns up to max playset names found in dir, derived from the
// ".playset" files present. max <= 0 means unbounded.
func List(dir string, max int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("playset: list: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		const suffix = ".playset"
		if len(n) <= len(suffix) || n[len(n)-len(suffix):] != suffix {
			continue
		}
		names = append(names, n[:len(n)-len(suffix)])
		if max > 0 && len(names) >= max {
			break
		}
	}
	return names, nil
}
