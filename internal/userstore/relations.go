package userstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/klppl/apfed/internal/objectstore"
)

// Relation is one of the per-user association sets named in the on-disk
// layout: followers, following, muted, pending, hidden, limited, pinned,
// bookmark, draft. Each is a directory holding one JSON file per entry,
// named by the hex-md5 digest of the related actor or object id — the same
// digest scheme the object store uses, so a relation entry and its backing
// object always agree on a key.
type Relation string

const (
	RelFollowers Relation = "followers"
	RelFollowing Relation = "following"
	RelMuted     Relation = "muted"
	RelPending   Relation = "pending"
	RelHidden    Relation = "hidden"
	RelLimited   Relation = "limited"
	RelPinned    Relation = "pinned"
	RelBookmark  Relation = "bookmark"
	RelDraft     Relation = "draft"
)

func (u *User) relationDir(rel Relation) string {
	return filepath.Join(u.dir, string(rel))
}

func (u *User) relationPath(rel Relation, id string) string {
	return filepath.Join(u.relationDir(rel), objectstore.Digest(id)+".json")
}

// Put writes doc as the relation entry for id, creating or overwriting it.
// Used both to add a brand-new entry (e.g. a Follow request) and to update
// one in place (e.g. moving a following entry from "Follow" to "Accept").
func (u *User) Put(rel Relation, id string, doc map[string]interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(u.relationDir(rel), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(u.relationPath(rel, id), data)
}

// Get reads the relation entry for id, or (nil, false) if absent.
func (u *User) Get(rel Relation, id string) (map[string]interface{}, bool) {
	data, err := os.ReadFile(u.relationPath(rel, id))
	if err != nil {
		return nil, false
	}
	var doc map[string]interface{}
	if json.Unmarshal(data, &doc) != nil {
		return nil, false
	}
	return doc, true
}

// Has reports whether a relation entry exists for id, without reading it.
func (u *User) Has(rel Relation, id string) bool {
	_, err := os.Stat(u.relationPath(rel, id))
	return err == nil
}

// Remove deletes the relation entry for id, if any.
func (u *User) Remove(rel Relation, id string) error {
	err := os.Remove(u.relationPath(rel, id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns every id currently stored in a relation, read from each
// entry's own "id" (or, for actor relations, the actor URL is stored at the
// top level under "actor" by convention — callers pass whichever key their
// relation uses via the idKey parameter).
func (u *User) List(rel Relation, idKey string) ([]string, error) {
	entries, err := os.ReadDir(u.relationDir(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(u.relationDir(rel), e.Name()))
		if err != nil {
			continue
		}
		var doc map[string]interface{}
		if json.Unmarshal(data, &doc) != nil {
			continue
		}
		if id, ok := doc[idKey].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FollowingList returns the actor URLs currently in the "following" relation
// whose stored activity type is "Accept" — i.e. confirmed follows, matching
// invariant #5 (a pending outgoing Follow is not yet "following").
func (u *User) FollowingList() ([]string, error) {
	entries, err := os.ReadDir(u.relationDir(RelFollowing))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(u.relationDir(RelFollowing), e.Name()))
		if err != nil {
			continue
		}
		var doc map[string]interface{}
		if json.Unmarshal(data, &doc) != nil {
			continue
		}
		if doc["type"] != "Accept" {
			continue
		}
		followID, _ := doc["object"].(map[string]interface{})
		if followID == nil {
			continue
		}
		if followed, ok := followID["object"].(string); ok && followed != "" {
			ids = append(ids, followed)
		}
	}
	return ids, nil
}

// Count returns the number of entries currently stored in a relation,
// without decoding any of them — used by the followers/following endpoints,
// which publish only a totalItems count and never the member list itself.
func (u *User) Count(rel Relation) (int, error) {
	entries, err := os.ReadDir(u.relationDir(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}

// Follows reports whether actorURL is a confirmed (Accept'd) following entry.
func (u *User) Follows(actorURL string) bool {
	doc, ok := u.Get(RelFollowing, actorURL)
	return ok && doc["type"] == "Accept"
}

// FollowedBy reports whether actorURL is a current follower.
func (u *User) FollowedBy(actorURL string) bool {
	return u.Has(RelFollowers, actorURL)
}
