package collab

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/channelcache"
	"github.com/google/uuid"
)

type fakeSchedCallback struct {
	completed []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeSchedCallback) OnDownloadComplete(channelID string, storageKey uuid.UUID) error {
	f.completed = append(f.completed, storageKey)
	return nil
}

func (f *fakeSchedCallback) OnLoadFailed(storageKey uuid.UUID, channelID string, reason string) error {
	f.failed = append(f.failed, storageKey)
	return nil
}

func TestLocalDownloader_fetchesMissingEntryAndSignalsComplete(t *testing.T) {
	channelsDir := t.TempDir()
	vaultDir := t.TempDir()

	body := "artwork-bytes"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	key := uuid.New()
	id := chanid.Parse("all")
	c := channelcache.New(id)
	c.MergeCi([]channelcache.Entry{{PostID: 1, StorageKey: key, Type: channelcache.EntryStill, DwellMS: 1000}})
	if err := c.Save(channelsDir); err != nil {
		t.Fatal(err)
	}

	resolve := func(channelID string, e channelcache.Entry) (string, bool) {
		return srv.URL + "/art.jpg", true
	}
	sched := &fakeSchedCallback{}
	d := NewLocalDownloader(channelsDir, vaultDir, resolve, sched)
	d.SetChannels([]string{"all"})
	d.Rescan()

	if len(sched.completed) != 1 || sched.completed[0] != key {
		t.Fatalf("OnDownloadComplete calls = %v, want [%s]", sched.completed, key)
	}
	if len(sched.failed) != 0 {
		t.Fatalf("unexpected OnLoadFailed calls: %v", sched.failed)
	}
}

func TestLocalDownloader_unresolvedEntrySkipped(t *testing.T) {
	channelsDir := t.TempDir()
	vaultDir := t.TempDir()

	key := uuid.New()
	id := chanid.Parse("all")
	c := channelcache.New(id)
	c.MergeCi([]channelcache.Entry{{PostID: 1, StorageKey: key, Type: channelcache.EntryStill, DwellMS: 1000}})
	if err := c.Save(channelsDir); err != nil {
		t.Fatal(err)
	}

	sched := &fakeSchedCallback{}
	d := NewLocalDownloader(channelsDir, vaultDir, func(string, channelcache.Entry) (string, bool) { return "", false }, sched)
	d.SetChannels([]string{"all"})
	d.Rescan()

	if len(sched.completed) != 0 || len(sched.failed) != 0 {
		t.Fatalf("expected no callbacks, got completed=%v failed=%v", sched.completed, sched.failed)
	}
}

func TestLocalDownloader_httpFailureSignalsLoadFailed(t *testing.T) {
	channelsDir := t.TempDir()
	vaultDir := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	key := uuid.New()
	id := chanid.Parse("all")
	c := channelcache.New(id)
	c.MergeCi([]channelcache.Entry{{PostID: 1, StorageKey: key, Type: channelcache.EntryStill, DwellMS: 1000}})
	if err := c.Save(channelsDir); err != nil {
		t.Fatal(err)
	}

	sched := &fakeSchedCallback{}
	resolve := func(string, channelcache.Entry) (string, bool) { return srv.URL + "/missing.jpg", true }
	d := NewLocalDownloader(channelsDir, vaultDir, resolve, sched)
	d.SetChannels([]string{"all"})
	d.Rescan()

	if len(sched.failed) != 1 || sched.failed[0] != key {
		t.Fatalf("OnLoadFailed calls = %v, want [%s]", sched.failed, key)
	}
}

func TestLocalDownloader_sdcardChannelIgnored(t *testing.T) {
	channelsDir := t.TempDir()
	vaultDir := t.TempDir()

	id := chanid.Parse("sdcard")
	c := channelcache.New(id)
	c.MergeCi([]channelcache.Entry{{PostID: 1, Type: channelcache.EntryStill, DwellMS: 1000, Filename: "a.gif"}})
	if err := c.Save(channelsDir); err != nil {
		t.Fatal(err)
	}

	calls := 0
	resolve := func(string, channelcache.Entry) (string, bool) { calls++; return "", false }
	d := NewLocalDownloader(channelsDir, vaultDir, resolve, nil)
	d.SetChannels([]string{"sdcard"})
	d.Rescan()

	if calls != 0 {
		t.Fatalf("resolve should not be called for sdcard channels, got %d calls", calls)
	}
}

func TestLocalDownloader_resetCursorsRestartsWalk(t *testing.T) {
	channelsDir := t.TempDir()
	vaultDir := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	key := uuid.New()
	id := chanid.Parse("all")
	c := channelcache.New(id)
	c.MergeCi([]channelcache.Entry{{PostID: 1, StorageKey: key, Type: channelcache.EntryStill, DwellMS: 1000}})
	if err := c.Save(channelsDir); err != nil {
		t.Fatal(err)
	}

	var resolved []string
	resolve := func(channelID string, e channelcache.Entry) (string, bool) {
		resolved = append(resolved, e.StorageKey.String())
		return srv.URL + "/art.jpg", true
	}
	sched := &fakeSchedCallback{}
	d := NewLocalDownloader(channelsDir, vaultDir, resolve, sched)
	d.SetChannels([]string{"all"})
	d.Rescan()
	d.Rescan() // cursor already past the only entry; no further resolve calls
	if len(resolved) != 1 {
		t.Fatalf("expected one resolve call before reset, got %d", len(resolved))
	}

	d.ResetCursors()
	d.Rescan()
	if len(resolved) != 2 {
		t.Fatalf("expected a second resolve call after ResetCursors, got %d", len(resolved))
	}
	if !strings.Contains(resolved[1], key.String()) {
		t.Fatalf("resolved[1] = %q, want to contain %q", resolved[1], key)
	}
}
