package fetcher

import (
	"context"
	"strings"
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/userstore"
)

// actorStaleAfter is the staleness horizon for cached actor documents; an
// actor object older than this is reported stale so the caller can enqueue
// a background refresh instead of blocking on a synchronous re-fetch.
const actorStaleAfter = 36 * time.Hour

// ActorFetch implements actor_fetch(url, as_user?): a local actor (whose URL
// is prefixed by this instance's base URL) is synthesized directly from
// user state with no network access. A remote actor already in the object
// store is returned as-is unless older than actorStaleAfter, in which case
// StatusStale (205) is returned alongside the (still usable) cached copy so
// the caller can decide whether to enqueue a refresh. An actor never seen
// before is fetched and stored.
func (f *Fetcher) ActorFetch(ctx context.Context, url string, asUser *userstore.User) (int, activitypub.Doc, error) {
	if strings.HasPrefix(url, f.localBase+"/") || url == f.localBase {
		if f.ResolveLocalActor != nil {
			uid := strings.TrimPrefix(strings.TrimPrefix(url, f.localBase), "/")
			uid = strings.TrimPrefix(uid, "users/")
			if doc, ok := f.ResolveLocalActor(uid); ok {
				return StatusOK, doc, nil
			}
		}
	}

	if f.objects != nil && f.objects.Exists(url) {
		obj, err := f.objects.Get(url)
		if err == nil {
			mtime, err := f.objects.MTime(url)
			if err == nil && time.Since(mtime) > actorStaleAfter {
				return StatusStale, obj, nil
			}
			return StatusOK, obj, nil
		}
	}

	status, obj, err := f.Fetch(ctx, url, asUser)
	if err != nil {
		return status, obj, err
	}
	if _, err := f.objects.Put(url, obj, true); err != nil {
		return StatusError, obj, err
	}
	return StatusOK, obj, nil
}
