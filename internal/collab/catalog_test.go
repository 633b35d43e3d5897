package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/channelcache"
	"github.com/google/uuid"
)

func TestLocalCatalogClient_refreshCompletesAndPolls(t *testing.T) {
	key := uuid.New()
	source := func(kind chanid.Kind, identifier string) ([]channelcache.Entry, error) {
		return []channelcache.Entry{{PostID: 1, StorageKey: key, Type: channelcache.EntryStill, DwellMS: 1000}}, nil
	}
	c := NewLocalCatalogClient(source, 1000)
	if err := c.RefreshChannelIndex("all", chanid.KindNamedRemote, ""); err != nil {
		t.Fatalf("RefreshChannelIndex: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if entries, ok := c.PollCompletion("all"); ok {
			if len(entries) != 1 || entries[0].StorageKey != key {
				t.Fatalf("unexpected entries: %v", entries)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("refresh never completed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestLocalCatalogClient_notReadyRejects(t *testing.T) {
	c := NewLocalCatalogClient(nil, 1000)
	c.SetReady(false)
	if err := c.RefreshChannelIndex("all", chanid.KindNamedRemote, ""); err == nil {
		t.Fatal("expected error while not ready")
	}
}

func TestLocalCatalogClient_duplicateRefreshIsIgnored(t *testing.T) {
	calls := 0
	source := func(kind chanid.Kind, identifier string) ([]channelcache.Entry, error) {
		calls++
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}
	c := NewLocalCatalogClient(source, 1000)
	c.RefreshChannelIndex("all", chanid.KindNamedRemote, "")
	c.RefreshChannelIndex("all", chanid.KindNamedRemote, "")
	time.Sleep(100 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("source called %d times, want 1", calls)
	}
}

func TestHTTPCatalogClient_fetchesAndDecodesJSON(t *testing.T) {
	key := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]wirePost{
			{PostID: 7, StorageKey: key.String(), Type: "still", DwellMS: 2000},
		})
	}))
	defer srv.Close()

	c := NewHTTPCatalogClient(srv.URL, 1000)
	if err := c.RefreshChannelIndex("all", chanid.KindNamedRemote, ""); err != nil {
		t.Fatalf("RefreshChannelIndex: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if entries, ok := c.PollCompletion("all"); ok {
			if len(entries) != 1 || entries[0].PostID != 7 || entries[0].StorageKey != key {
				t.Fatalf("unexpected entries: %v", entries)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("fetch never completed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestHTTPCatalogClient_emptyBaseURLNotReady(t *testing.T) {
	c := NewHTTPCatalogClient("", 1000)
	if c.IsReady() {
		t.Fatal("expected not ready with empty base URL")
	}
	if err := c.RefreshChannelIndex("all", chanid.KindNamedRemote, ""); err == nil {
		t.Fatal("expected error with empty base URL")
	}
}
