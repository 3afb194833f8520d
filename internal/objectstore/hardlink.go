package objectstore

import (
	"os"
	"path/filepath"
	"syscall"
)

// hardLinkCount reports how many directory entries point at path's inode.
// A freshly written object file with no user-cache links yet has count 1;
// once a timeline hard-links it in, the count rises to 2 or more.
func hardLinkCount(path string) (int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		// Platforms without syscall.Stat_t (non-Unix) cannot report link
		// counts; treat the object as referenced so it is never deleted
		// out from under a cache we can't observe.
		return 2, nil
	}
	return int(st.Nlink), nil
}

// LinkIntoTimeline hard-links the object identified by digest into a user's
// public/ or private/ timeline directory, incrementing its link count. This
// is the reference-counting mechanism described for per-user timeline
// caches: unlinking later (UnlinkFromTimeline) decrements it again, and the
// object is only actually removed once no cache anywhere still links it.
func (s *Store) LinkIntoTimeline(digest, timelineDir string) error {
	if err := os.MkdirAll(timelineDir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(timelineDir, digest+".json")
	if _, err := os.Stat(target); err == nil {
		return nil // already linked; Put enforces idempotence elsewhere.
	}
	return os.Link(s.objectPath(digest), target)
}

// UnlinkFromTimeline removes a user's timeline hard link. The underlying
// object is only physically deleted once DeleteIfUnreferenced observes a
// link count below two.
func (s *Store) UnlinkFromTimeline(digest, timelineDir string) error {
	err := os.Remove(filepath.Join(timelineDir, digest+".json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
