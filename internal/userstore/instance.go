package userstore

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klppl/apfed/internal/objectstore"
)

// Instance holds the instance-wide state that sits alongside server.json:
// the shared-inbox set, the instance-block set and the global public
// timeline index. Unlike per-user relations these live directly under the
// base directory, so they get their own small type rather than riding on
// *User.
type Instance struct {
	baseDir string
	mu      sync.Mutex
}

// NewInstance returns an Instance rooted at baseDir, creating its
// subdirectories if absent.
func NewInstance(baseDir string) (*Instance, error) {
	for _, sub := range []string{"inbox", "block", "tag"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &Instance{baseDir: baseDir}, nil
}

func (in *Instance) inboxPath(url string) string {
	return filepath.Join(in.baseDir, "inbox", objectstore.Digest(url))
}

// AddSharedInbox records a remote sharedInbox endpoint discovered while
// fetching an actor, unless the instance hosting it is blocked.
func (in *Instance) AddSharedInbox(url, host string) error {
	if in.IsBlocked(host) {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return os.WriteFile(in.inboxPath(url), []byte(url), 0o644)
}

// SharedInboxes returns every recorded shared-inbox URL.
func (in *Instance) SharedInboxes() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(in.baseDir, "inbox"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var urls []string
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(in.baseDir, "inbox", e.Name()))
		if err == nil {
			urls = append(urls, string(data))
		}
	}
	return urls, nil
}

func (in *Instance) blockPath(host string) string {
	return filepath.Join(in.baseDir, "block", objectstore.Digest(host))
}

// BlockInstance adds host to the instance-block set.
func (in *Instance) BlockInstance(host string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return os.WriteFile(in.blockPath(host), []byte(host), 0o644)
}

// UnblockInstance removes host from the instance-block set.
func (in *Instance) UnblockInstance(host string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	err := os.Remove(in.blockPath(host))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsBlocked reports whether host is in the instance-block set.
func (in *Instance) IsBlocked(host string) bool {
	_, err := os.Stat(in.blockPath(host))
	return err == nil
}

func (in *Instance) publicIndexPath() string {
	return filepath.Join(in.baseDir, "public.idx")
}

// AddToPublicTimeline appends digest to the instance-wide public timeline
// index, skipping duplicates the same way per-object indices do.
func (in *Instance) AddToPublicTimeline(digest string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	f, err := os.OpenFile(in.publicIndexPath(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if sc.Text() == digest {
			return nil
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err = f.WriteString(digest + "\n")
	return err
}

// RewritePublicTimeline replaces the index wholesale with digests, used by
// the retention sweep to drop entries whose backing object was reclaimed.
// Unlike AddToPublicTimeline this is not append-only; callers must already
// hold the set they want to keep.
func (in *Instance) RewritePublicTimeline(digests []string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	var buf bytes.Buffer
	for _, d := range digests {
		buf.WriteString(d)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(in.publicIndexPath(), buf.Bytes())
}

// PublicTimeline returns the instance-wide public timeline digests in file
// order (oldest first).
func (in *Instance) PublicTimeline() ([]string, error) {
	data, err := os.ReadFile(in.publicIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
