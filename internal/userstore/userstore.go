// Package userstore implements per-user account state: the user directory
// tree (profile, keypair, relation sets, timelines, personal queue) and the
// instance-wide shared-inbox and instance-block sets that sit alongside it.
package userstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klppl/apfed/internal/httpsig"
	"github.com/klppl/apfed/internal/objectstore"
)

// ErrNotFound is returned when a uid has no user directory.
var ErrNotFound = errors.New("user not found")

// Profile holds the mutable, user-editable fields of an account.
type Profile struct {
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	IconURL   string `json:"icon_url,omitempty"`
	Bot       bool   `json:"bot"`
	Private   bool   `json:"private"`
	NotifyEmail    string `json:"notify_email,omitempty"`
	NotifyTelegram string `json:"notify_telegram,omitempty"`
	NotifyNtfy     string `json:"notify_ntfy,omitempty"`
}

// relationKinds are the directory names holding one JSON file per related
// actor or object, as laid out in the on-disk format.
var relationKinds = []string{
	"followers", "following", "muted", "pending",
	"hidden", "limited", "pinned", "bookmark", "draft",
}

// Store manages the user/ subtree of an instance base directory.
type Store struct {
	baseDir string
	objects *objectstore.Store
}

// New returns a Store rooted at baseDir/user, backed by the given object
// store for timeline hard-linking.
func New(baseDir string, objects *objectstore.Store) *Store {
	return &Store{baseDir: baseDir, objects: objects}
}

func (s *Store) userDir(uid string) string {
	return filepath.Join(s.baseDir, "user", uid)
}

// User is a handle onto one account's on-disk state.
type User struct {
	UID     string
	Actor   string // full actor URL, e.g. https://host/users/alice
	dir     string
	Profile Profile
	Keys    *httpsig.KeyPair

	store *Store
}

// Create provisions a brand-new user directory: profile, keypair and every
// relation/timeline/queue subdirectory, failing if the uid already exists.
func (s *Store) Create(uid, actorURL string, profile Profile) (*User, error) {
	dir := s.userDir(uid)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("userstore: %s already exists", uid)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("userstore: create dir: %w", err)
	}
	for _, sub := range append(append([]string{}, relationKinds...), "public", "private", "queue", "notify", "history", "static") {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("userstore: create %s: %w", sub, err)
		}
	}

	keys, err := httpsig.LoadOrGenerateKeyPair(filepath.Join(dir, "key.json"))
	if err != nil {
		return nil, fmt.Errorf("userstore: keypair: %w", err)
	}

	u := &User{UID: uid, Actor: actorURL, dir: dir, Profile: profile, Keys: keys, store: s}
	if err := u.saveProfile(); err != nil {
		return nil, err
	}
	return u, nil
}

// Open loads an existing user's state.
func (s *Store) Open(uid string) (*User, error) {
	dir := s.userDir(uid)
	data, err := os.ReadFile(filepath.Join(dir, "user.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userstore: read user.json: %w", err)
	}
	var rec userRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("userstore: decode user.json: %w", err)
	}
	keys, err := httpsig.LoadOrGenerateKeyPair(filepath.Join(dir, "key.json"))
	if err != nil {
		return nil, fmt.Errorf("userstore: keypair: %w", err)
	}
	return &User{UID: uid, Actor: rec.Actor, dir: dir, Profile: rec.Profile, Keys: keys, store: s}, nil
}

// List returns the uids of every provisioned user.
func (s *Store) List() ([]string, error) {
	root := filepath.Join(s.baseDir, "user")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var uids []string
	for _, e := range entries {
		if e.IsDir() {
			uids = append(uids, e.Name())
		}
	}
	return uids, nil
}

// Delete removes a user's entire directory tree. Object files the user's
// timelines hard-linked into remain in the central object store; only the
// links and per-user state are removed here, matching the reference-count
// semantics the object store enforces on deletion.
func (s *Store) Delete(uid string) error {
	return os.RemoveAll(s.userDir(uid))
}

type userRecord struct {
	Actor   string  `json:"actor"`
	Profile Profile `json:"profile"`
}

func (u *User) saveProfile() error {
	data, err := json.MarshalIndent(userRecord{Actor: u.Actor, Profile: u.Profile}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(u.dir, "user.json"), data)
}

// SaveProfile persists changes to u.Profile.
func (u *User) SaveProfile() error { return u.saveProfile() }

// Dir returns the user's base directory, for subsystems (queue) that need a
// raw path.
func (u *User) Dir() string { return u.dir }

// QueueDir returns the per-user durable queue directory.
func (u *User) QueueDir() string { return filepath.Join(u.dir, "queue") }

// NotifyDir returns the directory backing the user's notification log.
func (u *User) NotifyDir() string { return filepath.Join(u.dir, "notify") }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
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
