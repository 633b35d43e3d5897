package channelcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/vault"
	"github.com/google/uuid"
)

func remoteEntry(postID int32) Entry {
	return Entry{
		PostID:     postID,
		StorageKey: uuid.New(),
		Type:       EntryStill,
		DwellMS:    5000,
		CreatedAt:  1700000000,
	}
}

func TestLaiAdd_idempotentAndRequiresCiEntry(t *testing.T) {
	id := chanid.Parse("all")
	c := New(id)
	if _, err := c.LaiAdd(1); err == nil {
		t.Fatal("expected InvalidArg adding LAi for unknown post_id")
	}
	e := remoteEntry(1)
	c.MergeCi([]Entry{e})

	added, err := c.LaiAdd(1)
	if err != nil || !added {
		t.Fatalf("first add: added=%v err=%v", added, err)
	}
	added, err = c.LaiAdd(1)
	if err != nil || added {
		t.Fatalf("second add should be no-op: added=%v err=%v", added, err)
	}
	if c.LaiLen() != 1 {
		t.Fatalf("LaiLen = %d, want 1", c.LaiLen())
	}
}

func TestLaiRemove_restoresPriorState(t *testing.T) {
	id := chanid.Parse("all")
	c := New(id)
	c.MergeCi([]Entry{remoteEntry(1), remoteEntry(2)})
	c.LaiAdd(1)
	c.LaiAdd(2)

	removed, err := c.LaiRemove(1)
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	if c.LaiContains(1) {
		t.Fatal("LaiContains(1) should be false after remove")
	}
	if c.LaiLen() != 1 {
		t.Fatalf("LaiLen = %d, want 1", c.LaiLen())
	}
	added, err := c.LaiAdd(1)
	if err != nil || !added {
		t.Fatalf("re-add: added=%v err=%v", added, err)
	}
	if !c.LaiContains(1) || !c.LaiContains(2) || c.LaiLen() != 2 {
		t.Fatal("LAi should be restored to {1,2}")
	}
}

func TestSDCardChannel_hasNoLAi(t *testing.T) {
	c := New(chanid.Parse("sdcard"))
	c.MergeCi([]Entry{{PostID: 1, Filename: "a.gif", Extension: 0}})
	if _, err := c.LaiAdd(1); err == nil {
		t.Fatal("expected NotSupported for sdcard LaiAdd")
	}
	if c.LaiLen() != 0 {
		t.Fatal("sdcard cache should report LaiLen 0")
	}
}

func TestMergeCi_enforcesCapAndUniqueness(t *testing.T) {
	id := chanid.Parse("all")
	c := New(id)
	entries := make([]Entry, 0, MaxCiEntries+5)
	for i := 0; i < MaxCiEntries+5; i++ {
		entries = append(entries, remoteEntry(int32(i)))
	}
	added, rejectedCap, _ := c.MergeCi(entries)
	if added != MaxCiEntries {
		t.Fatalf("added = %d, want %d", added, MaxCiEntries)
	}
	if rejectedCap != 5 {
		t.Fatalf("rejectedForCap = %d, want 5", rejectedCap)
	}
	if c.CiLen() != MaxCiEntries {
		t.Fatalf("CiLen = %d, want %d", c.CiLen(), MaxCiEntries)
	}

	added2, _, rejectedDup := c.MergeCi([]Entry{entries[0]})
	if added2 != 0 || rejectedDup != 1 {
		t.Fatalf("duplicate merge: added=%d rejectedDup=%d", added2, rejectedDup)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vaultDir := t.TempDir()
	id := chanid.Parse("all")
	c := New(id)
	c.MergeCi([]Entry{remoteEntry(1), remoteEntry(2), remoteEntry(3)})
	c.LaiAdd(1)
	c.LaiAdd(3)

	if err := c.Save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}
	if c.Dirty() {
		t.Fatal("Dirty should be false after save")
	}

	loaded := Load(id, dir, vaultDir)
	if loaded.CiLen() != 3 || loaded.LaiLen() != 2 {
		t.Fatalf("loaded ci=%d lai=%d, want 3,2", loaded.CiLen(), loaded.LaiLen())
	}
	if !loaded.LaiContains(1) || !loaded.LaiContains(3) || loaded.LaiContains(2) {
		t.Fatal("loaded LAi membership mismatch")
	}
	e, _, ok := loaded.CiFindByPostID(2)
	if !ok || e.PostID != 2 {
		t.Fatal("CiFindByPostID(2) should hit")
	}
}

func TestLoad_corruptFileYieldsEmptyCacheAndIsLeftInPlace(t *testing.T) {
	dir := t.TempDir()
	id := chanid.Parse("all")
	path := filepath.Join(dir, "all.bin")
	// An all-zero header-sized file: no v20 magic and a size that isn't a
	// clean legacy multiple either (takes the unrecognized-format path).
	bogus := make([]byte, headerSize)
	if err := os.WriteFile(path, bogus, 0o644); err != nil {
		t.Fatal(err)
	}
	c := Load(id, dir, t.TempDir())
	if c.CiLen() != 0 {
		t.Fatalf("corrupt file should load as empty cache, got CiLen=%d", c.CiLen())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("corrupt file should be left in place for post-mortem")
	}
}

func TestLoad_legacyMigrationRebuildsLAiAndMarksDirty(t *testing.T) {
	dir := t.TempDir()
	vaultDir := t.TempDir()
	id := chanid.Parse("all")

	e1, e2 := remoteEntry(10), remoteEntry(20)
	raw := append(encodeRemoteEntry(e1), encodeRemoteEntry(e2)...)
	path := filepath.Join(dir, "all.bin")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	// Only e1's vault file exists, at its real sharded path.
	if err := os.MkdirAll(vault.Dir(vaultDir, e1.StorageKey.String()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(vault.Path(vaultDir, e1.StorageKey.String(), ".webp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := Load(id, dir, vaultDir)
	if c.CiLen() != 2 {
		t.Fatalf("CiLen = %d, want 2", c.CiLen())
	}
	if c.LaiLen() != 1 || !c.LaiContains(10) {
		t.Fatalf("LAi should contain only post_id=10 after migration, got len=%d", c.LaiLen())
	}
	if !c.Dirty() {
		t.Fatal("legacy-migrated cache should be dirty")
	}

	if err := c.Save(dir); err != nil {
		t.Fatal(err)
	}
	reloaded := Load(id, dir, vaultDir)
	if reloaded.CiLen() != 2 || reloaded.LaiLen() != 1 || !reloaded.LaiContains(10) {
		t.Fatal("reloaded v20 file should match post-migration state")
	}
}
