package userstore

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/klppl/apfed/internal/objectstore"
)

// Timeline selects which per-user timeline cache an entry belongs to.
type Timeline string

const (
	TimelinePublic  Timeline = "public"
	TimelinePrivate Timeline = "private"
)

func (u *User) timelineDir(tl Timeline) string {
	return filepath.Join(u.dir, string(tl))
}

// AddToTimeline hard-links the object identified by digest into the given
// timeline, so the user's own cache survives independent of how long the
// object stays referenced elsewhere. Call with the store's object digest,
// not a raw id, since timeline entries are named by digest like object
// files themselves.
func (u *User) AddToTimeline(tl Timeline, digest string) error {
	return u.store.objects.LinkIntoTimeline(digest, u.timelineDir(tl))
}

// RemoveFromTimeline unlinks an entry. The underlying object is reclaimed
// later by a compaction pass once DeleteIfUnreferenced observes no
// remaining links.
func (u *User) RemoveFromTimeline(tl Timeline, digest string) error {
	return u.store.objects.UnlinkFromTimeline(digest, u.timelineDir(tl))
}

// timelineEntry pairs a digest with its link's modification time, used to
// produce newest-first order without a separate index.
type timelineEntry struct {
	digest string
	mtime  int64
}

// Timeline returns the digests currently cached in tl, most recent first,
// capped at limit entries (0 means unlimited).
func (u *User) Timeline(tl Timeline, limit int) ([]string, error) {
	entries, err := os.ReadDir(u.timelineDir(tl))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	items := make([]timelineEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		digest := name[:len(name)-len(filepath.Ext(name))]
		items = append(items, timelineEntry{digest: digest, mtime: info.ModTime().UnixNano()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mtime > items[j].mtime })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.digest
	}
	return out, nil
}

// TimelineTopLevel resolves a set of reply digests to the set of distinct
// top-level ancestor ids reachable by walking each one's parent index,
// implementing timeline_top_level([dave-note]) -> [alice-post].
func TimelineTopLevel(objects *objectstore.Store, digests []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, d := range digests {
		obj, err := objects.GetByDigest(d)
		if err != nil {
			continue
		}
		id, _ := obj["id"].(string)
		for {
			parentDigest, err := objects.Parent(id)
			if err != nil || parentDigest == "" {
				break
			}
			parentObj, err := objects.GetByDigest(parentDigest)
			if err != nil {
				break
			}
			id, _ = parentObj["id"].(string)
		}
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}
