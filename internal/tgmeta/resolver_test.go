package tgmeta

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestResolveWarmsCacheInBackground verifies a cold lookup returns empty
// immediately, the fetched metadata appears once the refresh lands, and
// repeat lookups inside the TTL never touch the directory again.
func TestResolveWarmsCacheInBackground(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/talkgroups/927" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"alphaTag":"FIRE DISP","group":"Fire","tag":"Dispatch"}`)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, time.Minute)
	if info := r.Resolve(927); info != (Info{}) {
		t.Fatalf("cold lookup must be empty, got %+v", info)
	}
	waitFor(t, "cache warm", func() bool {
		return r.Resolve(927).AlphaTag == "FIRE DISP"
	})
	for i := 0; i < 3; i++ {
		if info := r.Resolve(927); info.Group != "Fire" {
			t.Fatalf("lookup %d mismatch: %+v", i, info)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("directory hit %d times, want 1", hits.Load())
	}
}

// TestResolveNeverBlocks verifies Resolve returns promptly even while the
// directory is slow, and that concurrent cold lookups share one fetch.
func TestResolveNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		fmt.Fprint(w, `{"alphaTag":"SLOW"}`)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, time.Minute)
	start := time.Now()
	for i := 0; i < 5; i++ {
		if info := r.Resolve(1); info != (Info{}) {
			t.Fatalf("lookup %d not empty while fetch pending: %+v", i, info)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Resolve blocked for %v", elapsed)
	}

	close(release)
	waitFor(t, "fetch to land", func() bool {
		return r.Resolve(1).AlphaTag == "SLOW"
	})
	if hits.Load() != 1 {
		t.Fatalf("pending fetch duplicated: %d hits", hits.Load())
	}
}

// TestResolveServesStaleWhileRefreshing verifies an expired entry keeps
// serving its old value until the background refetch replaces it.
func TestResolveServesStaleWhileRefreshing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"alphaTag":"TAG %d"}`, hits.Add(1))
	}))
	defer srv.Close()

	// The TTL must comfortably exceed waitFor's 10ms poll interval, or the
	// polling itself expires the entry and triggers the refetch early.
	r := NewHTTPResolver(srv.URL, 250*time.Millisecond)
	r.Resolve(1)
	waitFor(t, "initial fetch", func() bool {
		return r.Resolve(1).AlphaTag == "TAG 1"
	})

	time.Sleep(300 * time.Millisecond)
	if got := r.Resolve(1).AlphaTag; got != "TAG 1" {
		t.Fatalf("expired entry must serve the stale value, got %q", got)
	}
	waitFor(t, "refetch", func() bool {
		return r.Resolve(1).AlphaTag != "TAG 1"
	})
}

// TestResolveFailureIsCachedEmpty verifies a failing directory yields zero
// metadata and is not hammered once per lookup.
func TestResolveFailureIsCachedEmpty(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, time.Minute)
	r.Resolve(2)
	waitFor(t, "failed fetch", func() bool { return hits.Load() == 1 })

	for i := 0; i < 5; i++ {
		if info := r.Resolve(2); info != (Info{}) {
			t.Fatalf("expected zero info, got %+v", info)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 1 {
		t.Fatalf("failing directory hit %d times, want 1", hits.Load())
	}
}

// TestResolveNotFound verifies a 404 is a clean cached miss, not an error.
func TestResolveNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, time.Minute)
	r.Resolve(3)
	waitFor(t, "404 fetch", func() bool { return hits.Load() == 1 })
	if info := r.Resolve(3); info != (Info{}) {
		t.Fatalf("expected zero info, got %+v", info)
	}
	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 1 {
		t.Fatalf("miss not cached: %d hits", hits.Load())
	}
}

// TestNoopResolver verifies the disabled resolver returns empty metadata.
func TestNoopResolver(t *testing.T) {
	if info := NewNoopResolver().Resolve(42); info != (Info{}) {
		t.Fatalf("noop returned %+v", info)
	}
}
