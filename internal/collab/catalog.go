package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/channelcache"
	"github.com/fabkury/p3a/internal/httpclient"
	"github.com/fabkury/p3a/internal/p3aerr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// PostSource supplies the entries a LocalCatalogClient returns for a given
// (kind, identifier) channel, standing in for the excluded remote broker.
type PostSource func(kind chanid.Kind, identifier string) ([]channelcache.Entry, error)

type refreshJob struct {
	channelID  string
	kind       chanid.Kind
	identifier string
}

// LocalCatalogClient simulates the remote broker in-process. Refreshes are
// serviced by a single background worker paced by a rate.Limiter (standing
// in for the broker's own per-client request budget, grounded on the
// teacher's httpclient.GlobalHostSem/DoWithRetry backoff shape); completions
// are drained by the refresh task's PollCompletion calls, one result per
// channel.
type LocalCatalogClient struct {
	source  PostSource
	limiter *rate.Limiter

	mu      sync.Mutex
	ready   bool
	results map[string][]channelcache.Entry
	pending map[string]bool

	jobs chan refreshJob
}

// NewLocalCatalogClient constructs a ready LocalCatalogClient. source may be
// nil, in which case every refresh completes with zero entries (an empty
// remote catalog). requestsPerSecond <= 0 defaults to 5.
func NewLocalCatalogClient(source PostSource, requestsPerSecond float64) *LocalCatalogClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	c := &LocalCatalogClient{
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		ready:   true,
		results: make(map[string][]channelcache.Entry),
		pending: make(map[string]bool),
		jobs:    make(chan refreshJob, 64),
	}
	go c.worker()
	return c
}

func (c *LocalCatalogClient) worker() {
	for job := range c.jobs {
		c.limiter.Wait(context.Background())
		var entries []channelcache.Entry
		if c.source != nil {
			if e, err := c.source(job.kind, job.identifier); err == nil {
				entries = e
			}
		}
		c.mu.Lock()
		c.results[job.channelID] = entries
		delete(c.pending, job.channelID)
		c.mu.Unlock()
	}
}

// SetReady flips the readiness RefreshChannelIndex reports, so a test or a
// command-queue collaborator can simulate the broker going offline.
func (c *LocalCatalogClient) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *LocalCatalogClient) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *LocalCatalogClient) RefreshChannelIndex(channelID string, kind chanid.Kind, identifier string) error {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return fmt.Errorf("collab: catalog client not ready: %w", p3aerr.ErrInvalidState)
	}
	if c.pending[channelID] {
		c.mu.Unlock()
		return nil
	}
	c.pending[channelID] = true
	c.mu.Unlock()

	select {
	case c.jobs <- refreshJob{channelID: channelID, kind: kind, identifier: identifier}:
		return nil
	default:
		c.mu.Lock()
		delete(c.pending, channelID)
		c.mu.Unlock()
		return fmt.Errorf("collab: catalog job queue full: %w", p3aerr.ErrInvalidState)
	}
}

// CancelAllRefreshes drops every queued-but-unstarted job. A job already
// picked up by the worker runs to completion; this is a best-effort cancel,
// matching ExecutePlayset's "cancel in-flight remote refresh" step which
// only needs to stop queue growth before the new playset's channels load.
func (c *LocalCatalogClient) CancelAllRefreshes() {
	c.mu.Lock()
	for id := range c.pending {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for {
		select {
		case <-c.jobs:
		default:
			return
		}
	}
}

func (c *LocalCatalogClient) PollCompletion(channelID string) ([]channelcache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, ok := c.results[channelID]
	if ok {
		delete(c.results, channelID)
	}
	return entries, ok
}

// wirePost is the JSON shape an HTTPCatalogClient decodes a broker response
// into, one element per post in the channel's index.
type wirePost struct {
	PostID     int32  `json:"post_id"`
	StorageKey string `json:"storage_key"`
	Type       string `json:"type"`
	DwellMS    uint32 `json:"dwell_ms"`
	CreatedAt  int64  `json:"created_at"`
}

func (p wirePost) toEntry() (channelcache.Entry, error) {
	key, err := uuid.Parse(p.StorageKey)
	if err != nil {
		return channelcache.Entry{}, fmt.Errorf("collab: invalid storage_key %q: %w", p.StorageKey, p3aerr.ErrInvalidArg)
	}
	typ := channelcache.EntryStill
	if p.Type == "animation" {
		typ = channelcache.EntryAnimation
	}
	return channelcache.Entry{
		PostID:     p.PostID,
		StorageKey: key,
		Type:       typ,
		DwellMS:    p.DwellMS,
		CreatedAt:  p.CreatedAt,
	}, nil
}

// HTTPCatalogClient fetches a channel's post list over HTTP from baseURL
// using internal/httpclient with CatalogRetryPolicy, decoding a
// Content-Encoding: br body through github.com/andybalholm/brotli when
// present (the one concrete place in this domain a response body needs
// decompression).
type HTTPCatalogClient struct {
	baseURL string
	client  *http.Client
	policy  httpclient.RetryPolicy
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]bool
	results map[string][]channelcache.Entry
}

// NewHTTPCatalogClient constructs a client against baseURL, e.g.
// "https://catalog.example.com". requestsPerSecond <= 0 defaults to 5.
func NewHTTPCatalogClient(baseURL string, requestsPerSecond float64) *HTTPCatalogClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &HTTPCatalogClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpclient.Default(),
		policy:  httpclient.CatalogRetryPolicy,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		pending: make(map[string]bool),
		results: make(map[string][]channelcache.Entry),
	}
}

func (c *HTTPCatalogClient) IsReady() bool { return c.baseURL != "" }

func (c *HTTPCatalogClient) RefreshChannelIndex(channelID string, kind chanid.Kind, identifier string) error {
	if c.baseURL == "" {
		return fmt.Errorf("collab: http catalog client has no base URL: %w", p3aerr.ErrInvalidState)
	}
	c.mu.Lock()
	if c.pending[channelID] {
		c.mu.Unlock()
		return nil
	}
	c.pending[channelID] = true
	c.mu.Unlock()

	go c.fetch(channelID)
	return nil
}

func (c *HTTPCatalogClient) fetch(channelID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	defer func() {
		c.mu.Lock()
		delete(c.pending, channelID)
		c.mu.Unlock()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	target := fmt.Sprintf("%s/channels/%s/posts", c.baseURL, url.PathEscape(channelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept-Encoding", "br")

	resp, err := httpclient.DoWithRetry(ctx, c.client, req, c.policy)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		body = brotli.NewReader(resp.Body)
	}

	var wire []wirePost
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return
	}
	entries := make([]channelcache.Entry, 0, len(wire))
	for _, p := range wire {
		if e, err := p.toEntry(); err == nil {
			entries = append(entries, e)
		}
	}

	c.mu.Lock()
	c.results[channelID] = entries
	c.mu.Unlock()
}

// CancelAllRefreshes is a no-op: in-flight HTTP fetches run to completion
// and are simply never polled again once a new playset drops the channel.
func (c *HTTPCatalogClient) CancelAllRefreshes() {}

func (c *HTTPCatalogClient) PollCompletion(channelID string) ([]channelcache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, ok := c.results[channelID]
	if ok {
		delete(c.results, channelID)
	}
	return entries, ok
}
