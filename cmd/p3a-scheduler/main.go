// Command p3a-scheduler wires the Channel Cache, Playset Store, Scheduler
// Core, Pick Engine, Refresh Task, Save Scheduler, and Show-URL Task
// together behind one process, the way cmd/plex-tuner wires catalog,
// indexer, and gateway behind its own main.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fabkury/p3a/internal/channelcache"
	"github.com/fabkury/p3a/internal/collab"
	"github.com/fabkury/p3a/internal/config"
	"github.com/fabkury/p3a/internal/eventbus"
	"github.com/fabkury/p3a/internal/metrics"
	"github.com/fabkury/p3a/internal/playset"
	"github.com/fabkury/p3a/internal/refresh"
	"github.com/fabkury/p3a/internal/savesched"
	"github.com/fabkury/p3a/internal/scheduler"
	"github.com/fabkury/p3a/internal/showurl"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	playsetName := flag.String("playset", "", "playset to load at startup (optional)")
	flag.Parse()

	cfg := config.Load()
	for _, dir := range []string{cfg.ChannelsDir, cfg.VaultDir, cfg.AnimationsDir, cfg.DownloadsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("p3a-scheduler: create dir %s: %v", dir, err)
		}
	}

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("p3a-scheduler: register metrics: %v", err)
	}

	bus := eventbus.New()
	notifier := savesched.New(cfg.SaveDebounce, m)
	renderer := collab.NewLogRenderer()
	views := collab.NullViewTracker{}

	var catalog scheduler.CatalogClient
	if cfg.CatalogBaseURL != "" {
		catalog = collab.NewHTTPCatalogClient(cfg.CatalogBaseURL, 5)
	} else {
		catalog = collab.NewLocalCatalogClient(nil, 5)
	}

	downloader := collab.NewLocalDownloader(cfg.ChannelsDir, cfg.VaultDir, contentURLResolver(cfg.CatalogBaseURL), nil)

	sched := scheduler.New(scheduler.Config{
		ChannelsDir:   cfg.ChannelsDir,
		VaultDir:      cfg.VaultDir,
		AnimationsDir: cfg.AnimationsDir,
		GlobalSeed:    cfg.GlobalSeed,
	}, bus, catalog, downloader, renderer, views, m, notifier)
	downloader.SetSchedulerCallback(sched)

	sdcard := collab.NewLocalSDCardIndexer(cfg.AnimationsDir, cfg.ChannelsDir)
	artwork := collab.NewLocalArtworkFetcher(cfg.ChannelsDir, cfg.VaultDir, noArtworkTarget)
	refreshTask := refresh.New(sched, catalog, sdcard, artwork, m, bus, cfg.RefreshPollTick, cfg.RefreshRearm)

	showTask := showurl.New(showurl.Config{
		AnimationsDir: cfg.AnimationsDir,
		DownloadsDir:  cfg.DownloadsDir,
		HTTPTimeout:   cfg.HTTPTimeout,
		CancelWait:    cfg.ShowURLCancelWait,
		MaxBytes:      cfg.ShowURLMaxBytes,
		ChunkBytes:    cfg.ShowURLChunkBytes,
		ChunkPacing:   cfg.ShowURLChunkPacing,
	}, nil, sched, sched, nil, nil)

	// The scheduler never calls Next from inside a mutex-released event
	// publish; something outside it must.
	// This is that something: a new post becoming available or a refresh
	// completing both mean "there may be more to show now".
	bus.Subscribe(eventbus.TopicChannelAdvanced, func(any) {
		if _, err := sched.Next(); err != nil {
			log.Printf("p3a-scheduler: next after channel_advanced: %v", err)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go refreshTask.Run(ctx)

	if *playsetName != "" {
		p, err := playset.Load(cfg.ChannelsDir, *playsetName)
		if err != nil {
			log.Fatalf("p3a-scheduler: load playset %q: %v", *playsetName, err)
		}
		if err := sched.ExecutePlayset(p); err != nil {
			log.Fatalf("p3a-scheduler: execute playset %q: %v", *playsetName, err)
		}
		log.Printf("p3a-scheduler: running playset %q", *playsetName)
	} else {
		log.Printf("p3a-scheduler: no playset given at startup, idle until one loads")
	}

	_ = showTask // reserved for a future command-queue collaborator to call Play; not driven by main's own loop

	<-ctx.Done()
	log.Println("p3a-scheduler: shutting down")
	notifier.FlushAll()
}

// contentURLResolver builds the well-known content-by-storage-key URL a
// broker at baseURL is expected to serve payloads from. The catalog index
// (Ci) never carries a URL (the fixed binary layout has no
// room for one); this is the convention that lets a storage_key alone
// resolve to bytes. With no base URL configured (no remote catalog),
// every lookup reports not-found and the downloader simply has nothing
// to fetch for remote channels.
func contentURLResolver(baseURL string) collab.URLResolver {
	return func(channelID string, e channelcache.Entry) (string, bool) {
		if baseURL == "" || e.StorageKey == uuid.Nil {
			return "", false
		}
		return fmt.Sprintf("%s/content/%s", baseURL, e.StorageKey.String()), true
	}
}

// noArtworkTarget is the artwork channel's default target resolver: no
// remote control surface is wired into this binary, so there is never a
// pending target and the artwork channel stays refresh_pending until a
// future command-queue collaborator (out of scope here) sets one.
func noArtworkTarget(channelID string) (string, bool) { return "", false }
