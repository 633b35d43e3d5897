package showurl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fabkury/p3a/internal/p3aerr"
)

func newTestTask(t *testing.T, storageLock StorageLock, reloader CacheReloader) (*Task, Config) {
	t.Helper()
	return newTestTaskWithPlayer(t, storageLock, reloader, nil)
}

func newTestTaskWithPlayer(t *testing.T, storageLock StorageLock, reloader CacheReloader, player LocalFilePlayer) (*Task, Config) {
	t.Helper()
	cfg := Config{
		AnimationsDir: t.TempDir(),
		DownloadsDir:  t.TempDir(),
		HTTPTimeout:   2 * time.Second,
		CancelWait:    50 * time.Millisecond,
		MaxBytes:      1 << 20,
		ChunkBytes:    1 << 10,
		ChunkPacing:   time.Millisecond,
	}
	return New(cfg, storageLock, reloader, player, nil, nil), cfg
}

type fakeLock struct{ locked bool }

func (f *fakeLock) IsLocked() bool { return f.locked }

type fakeReloader struct{ called []string }

func (f *fakeReloader) ReloadChannelCache(channelID string) error {
	f.called = append(f.called, channelID)
	return nil
}

type fakePlayer struct{ played []string }

func (f *fakePlayer) PlayLocalFile(path string) {
	f.played = append(f.played, path)
}

func TestPlay_downloadsAndFinalizesFile(t *testing.T) {
	body := strings.Repeat("x", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	rl := &fakeReloader{}
	task, cfg := newTestTask(t, nil, rl)
	finalPath, err := task.Play(context.Background(), srv.URL+"/pic.png")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if filepath.Dir(finalPath) != cfg.AnimationsDir {
		t.Fatalf("finalPath = %q, want dir %q", finalPath, cfg.AnimationsDir)
	}
	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if string(data) != body {
		t.Fatalf("final file content mismatch: got %d bytes, want %d", len(data), len(body))
	}
	if len(rl.called) != 1 || rl.called[0] != "sdcard" {
		t.Fatalf("expected one ReloadChannelCache(sdcard) call, got %v", rl.called)
	}
}

func TestPlay_callsLocalPlayerOnSuccess(t *testing.T) {
	body := "pixel-data"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	player := &fakePlayer{}
	task, _ := newTestTaskWithPlayer(t, nil, nil, player)
	finalPath, err := task.Play(context.Background(), srv.URL+"/pic.png")
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if len(player.played) != 1 || player.played[0] != finalPath {
		t.Fatalf("localPlayer.played = %v, want [%q]", player.played, finalPath)
	}
}

func TestPlay_rejectsUnsupportedExtension(t *testing.T) {
	task, _ := newTestTask(t, nil, nil)
	_, err := task.Play(context.Background(), "http://example.com/video.mp4")
	if p3aerr.Kind(err) != p3aerr.KindInvalidArg {
		t.Fatalf("expected InvalidArg, got %v", err)
	}
}

func TestPlay_rejectsNonHTTPScheme(t *testing.T) {
	task, _ := newTestTask(t, nil, nil)
	_, err := task.Play(context.Background(), "file:///etc/passwd")
	if p3aerr.Kind(err) != p3aerr.KindInvalidArg {
		t.Fatalf("expected InvalidArg, got %v", err)
	}
}

func TestPlay_failsWhenStorageLocked(t *testing.T) {
	task, _ := newTestTask(t, &fakeLock{locked: true}, nil)
	_, err := task.Play(context.Background(), "http://example.com/pic.jpg")
	if p3aerr.Kind(err) != p3aerr.KindInvalidState {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestPlay_rejectsOversizedContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2097152")
		w.Write(make([]byte, 10))
	}))
	defer srv.Close()
	task, _ := newTestTask(t, nil, nil)
	_, err := task.Play(context.Background(), srv.URL+"/big.png")
	if p3aerr.Kind(err) != p3aerr.KindInvalidSize {
		t.Fatalf("expected InvalidSize, got %v", err)
	}
}

func TestAllocateFinalName_avoidsCollision(t *testing.T) {
	task, cfg := newTestTask(t, nil, nil)
	if err := os.WriteFile(filepath.Join(cfg.AnimationsDir, "pic.png"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	name, err := task.allocateFinalName("pic", ".png")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(name) != "pic_1.png" {
		t.Fatalf("allocateFinalName = %q, want pic_1.png", filepath.Base(name))
	}
}

func TestPlay_cancelsPriorInFlightDownload(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("start"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		w.Write([]byte("end"))
	}))
	defer srv.Close()

	task, _ := newTestTask(t, nil, nil)
	firstDone := make(chan error, 1)
	go func() {
		_, err := task.Play(context.Background(), srv.URL+"/first.png")
		firstDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("second"))
	}))
	defer srv2.Close()
	finalPath, err := task.Play(context.Background(), srv2.URL+"/second.png")
	close(release)
	if err != nil {
		t.Fatalf("second Play: %v", err)
	}
	if data, _ := os.ReadFile(finalPath); string(data) != "second" {
		t.Fatalf("second file content = %q", data)
	}
	if err := <-firstDone; p3aerr.Kind(err) != p3aerr.KindCancelled {
		t.Fatalf("expected first download to be cancelled, got %v", err)
	}
}
