package objectstore

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// Index file format: a flat, append-only sequence of fixed-width records,
// each a 32-character hex digest followed by '\n'. Deleting an entry
// overwrites its first byte with '-', turning it into a tombstone that
// readers skip; a compaction pass later rewrites the file without
// tombstones. Records are fixed-width, but every reader in this package
// scans the file from the start; none seeks by record index.

// appendIndexLocked appends entryDigest to the digest's kind index
// (children "c", likes "l", announces "a") unless it is already present and
// live, making repeated admiration / reply-linking idempotent. Callers must
// already hold Store.mu.
func (s *Store) appendIndexLocked(digest, kind, entryDigest string) error {
	path := s.indexPath(digest, kind)

	f, err := flockExclusive(path)
	if err != nil {
		return err
	}
	defer f.Close()

	present, err := scanContains(f, entryDigest)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := f.WriteString(entryDigest + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

// AppendChild is the exported entry point used once a reply's parent index
// has already been written by Put; kept separate so callers outside Put
// (e.g. a backfill tool) can relink without reopening the object.
func (s *Store) AppendChild(parentID, childDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendIndexLocked(Digest(parentID), "c", childDigest)
}

func scanContains(f *os.File, digest string) (bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if len(line) == digestHexLen && line == digest {
			return true, nil
		}
	}
	return false, sc.Err()
}

// readIndex returns all live (non-tombstoned) digests in a kind index, in
// file order.
func (s *Store) readIndex(digest, kind string) ([]string, error) {
	path := s.indexPath(digest, kind)
	f, err := flockShared(path)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if len(line) != digestHexLen {
			continue
		}
		if line[0] == '-' {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// Children returns the digests of replies known locally for the object
// identified by id.
func (s *Store) Children(id string) ([]string, error) {
	return s.readIndex(Digest(id), "c")
}

// Parent returns the single parent digest recorded for id, or "" if the
// object has no parent index (it is not a reply).
func (s *Store) Parent(id string) (string, error) {
	entries, err := s.readIndex(Digest(id), "p")
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0], nil
}

// Likes returns actor digests that have liked the object.
func (s *Store) Likes(id string) ([]string, error) {
	return s.readIndex(Digest(id), "l")
}

// Announces returns actor digests that have announced (boosted) the object.
func (s *Store) Announces(id string) ([]string, error) {
	return s.readIndex(Digest(id), "a")
}

// AdmireKind selects which per-object index an admiration targets.
type AdmireKind string

const (
	AdmireLike     AdmireKind = "l"
	AdmireAnnounce AdmireKind = "a"
)

// Admire idempotently records that actorURL liked or announced the object
// identified by id.
func (s *Store) Admire(id, actorURL string, kind AdmireKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendIndexLocked(Digest(id), string(kind), Digest(actorURL))
}

// Unadmire tombstones actorURL's prior admiration of id, if any. A repeat
// call is a no-op, matching the idempotence required of Admire.
func (s *Store) Unadmire(id, actorURL string, kind AdmireKind) error {
	digest := Digest(id)
	actorDigest := Digest(actorURL)
	path := s.indexPath(digest, string(kind))

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := flockExclusive(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	return tombstoneEntry(f, actorDigest)
}

// tombstoneEntry finds the first live record matching digest and overwrites
// its leading byte with '-' in place, turning it into a tombstone.
func tombstoneEntry(f *os.File, digest string) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	sc := bufio.NewScanner(f)
	var offset int64
	for sc.Scan() {
		line := sc.Text()
		recLen := int64(len(line) + 1)
		if len(line) == digestHexLen && line[0] != '-' && line == digest {
			if _, err := f.WriteAt([]byte("-"), offset); err != nil {
				return err
			}
			return f.Sync()
		}
		offset += recLen
	}
	return sc.Err()
}

// Compact rewrites a kind index for id, dropping tombstoned entries. Safe to
// call at any time; it is a pure garbage-collection pass with no semantic
// effect on live entries.
func (s *Store) Compact(id string, kind AdmireKind) error {
	digest := Digest(id)
	path := s.indexPath(digest, string(kind))

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := flockExclusive(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	live, err := liveEntries(f)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.baseDirOf(digest), ".tmp-compact-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, e := range live {
		if _, err := tmp.WriteString(e + "\n"); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func liveEntries(f *os.File) ([]string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if len(line) == digestHexLen && line[0] != '-' {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func (s *Store) baseDirOf(digest string) string {
	return filepath.Join(s.baseDir, "object", shard(digest))
}
