// Package fetcher retrieves remote ActivityPub documents: a signed GET with
// a documented fallback to unsigned GET on 5xx (observed necessary against
// Misskey, which 500s on some signed GETs but serves the same resource
// unsigned), Accept negotiation between application/activity+json and
// application/ld+json, and actor-specific staleness handling built on top of
// the object store.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/httpsig"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/userstore"
)

// Status mirrors the caller-facing outcomes fetch()/actor_fetch() report.
// These are not wire HTTP statuses for our own server; 205 and 400 are
// reused here because the source models the fetcher's outcome as an HTTP
// status code throughout, and callers already branch on that vocabulary.
const (
	StatusOK    = 200
	StatusStale = 205
	StatusBad   = 400
	StatusError = 500
)

// cacheTTL bounds how long a fetched document is served from memory before
// a fresh GET is issued.
var cacheTTL = time.Hour

type cacheEntry struct {
	obj     activitypub.Doc
	expires time.Time
}

// Fetcher retrieves and caches remote ActivityPub documents.
type Fetcher struct {
	localBase string
	userAgent string
	client    *http.Client

	objects  *objectstore.Store
	instance *userstore.Instance

	// ResolveLocalActor synthesizes an actor document for a uid owned by
	// this instance, so actor_fetch never makes a network round-trip for
	// our own users.
	ResolveLocalActor func(uid string) (activitypub.Doc, bool)

	cache sync.Map // url -> cacheEntry
}

// New returns a Fetcher. timeout bounds every outbound request and stays
// fixed unless SetTimeout changes it; the Fetcher never escalates it itself.
func New(localBase, userAgent string, timeout time.Duration, objects *objectstore.Store, instance *userstore.Instance) *Fetcher {
	f := &Fetcher{
		localBase: strings.TrimRight(localBase, "/"),
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		objects:   objects,
		instance:  instance,
	}
	return f
}

// SetTimeout replaces the client timeout used by every later request.
func (f *Fetcher) SetTimeout(d time.Duration) {
	f.client.Timeout = d
}

// StartSweeper runs a background goroutine evicting expired cache entries
// until ctx is cancelled.
func (f *Fetcher) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				f.cache.Range(func(k, v any) bool {
					if now.After(v.(cacheEntry).expires) {
						f.cache.Delete(k)
					}
					return true
				})
			}
		}
	}()
}

// Fetch implements fetch(id, as_user?): a signed GET when asUser is
// non-nil, falling back to an unsigned GET on transport failure or any 5xx
// (the Misskey quirk — preserved verbatim, never generalised to other
// status families). On success it validates the content-type, decodes the
// JSON body, and — if the document is an actor exposing
// endpoints.sharedInbox — records that endpoint in the instance's
// shared-inbox set unless the origin is blocked.
func (f *Fetcher) Fetch(ctx context.Context, id string, asUser *userstore.User) (int, activitypub.Doc, error) {
	if cached, ok := f.cache.Load(id); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return StatusOK, entry.obj, nil
		}
		f.cache.Delete(id)
	}

	status, obj, err := f.doFetch(ctx, id, asUser)
	if err != nil || status != StatusOK {
		return status, obj, err
	}

	f.cache.Store(id, cacheEntry{obj: obj, expires: time.Now().Add(cacheTTL)})

	if activitypub.IsActor(obj) {
		actor := activitypub.ViewActor(obj)
		if actor.SharedInbox != "" && f.instance != nil {
			host := hostOf(id)
			if !f.instance.IsBlocked(host) {
				_ = f.instance.AddSharedInbox(actor.SharedInbox, host)
			}
		}
	}
	return StatusOK, obj, nil
}

func (f *Fetcher) doFetch(ctx context.Context, id string, asUser *userstore.User) (int, activitypub.Doc, error) {
	resp, err := f.get(ctx, id, asUser)
	if err != nil || isRetryableStatus(statusOf(resp, err)) {
		// Unsigned retry: either the signed attempt transport-failed
		// (status 0) or the remote answered 5xx to a signed GET.
		resp, err = f.get(ctx, id, nil)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("fetcher: fetch %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil, fmt.Errorf("fetcher: %s returned HTTP %d", id, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if !isAPMediaType(ct) {
		return StatusError, nil, fmt.Errorf("fetcher: unexpected content-type %q from %s", ct, id)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusError, nil, fmt.Errorf("fetcher: read body from %s: %w", id, err)
	}
	var obj activitypub.Doc
	if err := json.Unmarshal(body, &obj); err != nil {
		return StatusBad, nil, fmt.Errorf("fetcher: decode %s: %w", id, err)
	}
	return StatusOK, obj, nil
}

func statusOf(resp *http.Response, err error) int {
	if err != nil {
		return 0
	}
	return resp.StatusCode
}

func isRetryableStatus(status int) bool {
	return status == 0 || (status >= 500 && status <= 599)
}

func (f *Fetcher) get(ctx context.Context, id string, asUser *userstore.User) (*http.Response, error) {
	accept := `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	if asUser != nil {
		req, err := httpsig.NewSignedRequest(http.MethodGet, id, nil, asUser.Actor+"#main-key", asUser.Keys.Private, f.userAgent)
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)
		req.Header.Set("Accept", accept)
		return f.client.Do(req)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", f.userAgent)
	return f.client.Do(req)
}

// isAPMediaType reports whether a Content-Type header represents an
// ActivityPub document, tolerating casing and parameter-order variance
// across implementations.
func isAPMediaType(ct string) bool {
	lower := strings.ToLower(ct)
	if strings.HasPrefix(lower, "application/activity+json") {
		return true
	}
	return strings.HasPrefix(lower, "application/ld+json") &&
		strings.Contains(lower, "https://www.w3.org/ns/activitystreams")
}

func hostOf(rawURL string) string {
	rest := strings.TrimPrefix(rawURL, "https://")
	rest = strings.TrimPrefix(rest, "http://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// Invalidate drops id from the fetch cache, forcing the next Fetch to hit
// the network.
func (f *Fetcher) Invalidate(id string) {
	f.cache.Delete(id)
}
