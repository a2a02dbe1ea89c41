// Package tgmeta resolves talkgroup ids to display metadata (alpha tag,
// group, service tag) from an external directory service. Lookups are served
// from a TTL cache and misses are fetched in the background, so the audio
// path never waits on the directory.
package tgmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/radio-stream-lab/internal/logging"
)

// Info is the display metadata for one talkgroup.
type Info struct {
	AlphaTag    string `json:"alphaTag"`
	Group       string `json:"group"`
	Tag         string `json:"tag"`
	Description string `json:"description"`
}

// Resolver looks up talkgroup metadata. Implementations must be safe for
// concurrent use and must never block the caller: an unknown talkgroup
// resolves to a zero Info until metadata becomes available.
type Resolver interface {
	Resolve(tgid int) Info
}

// NoopResolver implements Resolver but returns empty metadata. Useful for
// tests or when no directory service is configured.
type NoopResolver struct{}

func NewNoopResolver() *NoopResolver { return &NoopResolver{} }

func (n *NoopResolver) Resolve(tgid int) Info { return Info{} }

type cacheEntry struct {
	info      Info
	fetchedAt time.Time
}

// HTTPResolver fetches talkgroup metadata from a REST directory at
// GET {baseURL}/talkgroups/{tgid} and caches results for the TTL. Resolve is
// cache-only: a cold or expired entry kicks off one background fetch per
// talkgroup and the current value (zero or stale) is returned immediately.
// Failed lookups are cached too, so an unreachable directory costs one
// request per talkgroup per TTL window.
type HTTPResolver struct {
	baseURL string
	ttl     time.Duration
	http    *http.Client

	mu       sync.Mutex
	cache    map[int]cacheEntry
	inflight map[int]struct{}
}

// NewHTTPResolver creates a resolver against baseURL with the given cache
// TTL. A non-positive ttl defaults to five minutes.
func NewHTTPResolver(baseURL string, ttl time.Duration) *HTTPResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HTTPResolver{
		baseURL:  strings.TrimRight(baseURL, "/"),
		ttl:      ttl,
		http:     &http.Client{Timeout: 5 * time.Second},
		cache:    make(map[int]cacheEntry),
		inflight: make(map[int]struct{}),
	}
}

// Resolve returns the cached metadata for tgid without blocking. A miss or
// expired entry schedules at most one concurrent background refresh; until
// it lands, callers see the previous value (zero Info on a cold cache).
func (r *HTTPResolver) Resolve(tgid int) Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[tgid]
	if !ok || time.Since(e.fetchedAt) >= r.ttl {
		if _, busy := r.inflight[tgid]; !busy {
			r.inflight[tgid] = struct{}{}
			go r.refresh(tgid)
		}
	}
	return e.info
}

// refresh fetches one talkgroup and stores the result, empty on failure.
func (r *HTTPResolver) refresh(tgid int) {
	info, err := r.fetch(context.Background(), tgid)
	if err != nil {
		logging.Debugw("TGMeta: lookup failed",
			append(logging.TalkgroupFields(tgid), "err", err)...)
		info = Info{}
	}
	r.mu.Lock()
	r.cache[tgid] = cacheEntry{info: info, fetchedAt: time.Now()}
	delete(r.inflight, tgid)
	r.mu.Unlock()
}

func (r *HTTPResolver) fetch(ctx context.Context, tgid int) (Info, error) {
	url := fmt.Sprintf("%s/talkgroups/%d", r.baseURL, tgid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Info{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown talkgroup; cache the empty answer.
		return Info{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Info{}, fmt.Errorf("directory status %d", resp.StatusCode)
	}
	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("decode directory response: %w", err)
	}
	return info, nil
}
