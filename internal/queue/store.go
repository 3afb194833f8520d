package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue is a directory of JSON item files named
// "<earliest-dispatch-epoch>-<random>.json".
type Queue struct {
	dir string
}

// New returns a Queue rooted at dir, creating it if absent.
func New(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue: create %s: %w", dir, err)
	}
	return &Queue{dir: dir}, nil
}

// Dir returns the queue's backing directory.
func (q *Queue) Dir() string { return q.dir }

func fileName(earliest time.Time) string {
	return fmt.Sprintf("%d-%s.json", earliest.Unix(), uuid.New().String())
}

// Enqueue writes item to disk, eligible for dispatch at earliest. The write
// is atomic (temp file + rename) so a crash mid-write loses nothing already
// committed.
func (q *Queue) Enqueue(item Item, earliest time.Time) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: marshal item: %w", err)
	}
	path := filepath.Join(q.dir, fileName(earliest))
	return writeFileAtomic(path, data)
}

// EnqueueNow enqueues an item eligible for immediate dispatch.
func (q *Queue) EnqueueNow(item Item) error {
	return q.Enqueue(item, time.Now())
}

// Entry pairs a parsed item with the filename it was read from, so the
// caller can Ack or Requeue it after processing.
type Entry struct {
	File string
	Item Item
}

// deadlineOf extracts the epoch-seconds prefix from a queue filename.
func deadlineOf(name string) (int64, bool) {
	base := strings.TrimSuffix(name, ".json")
	i := strings.IndexByte(base, '-')
	if i < 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(base[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// Due returns every item file whose dispatch time has passed, oldest first,
// up to limit entries (0 means unlimited).
func (q *Queue) Due(now time.Time, limit int) ([]Entry, error) {
	names, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: list %s: %w", q.dir, err)
	}

	type candidate struct {
		name     string
		deadline int64
	}
	var due []candidate
	for _, e := range names {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ts, ok := deadlineOf(e.Name())
		if !ok {
			continue
		}
		if ts <= now.Unix() {
			due = append(due, candidate{name: e.Name(), deadline: ts})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	entries := make([]Entry, 0, len(due))
	for _, c := range due {
		data, err := os.ReadFile(filepath.Join(q.dir, c.name))
		if err != nil {
			if os.IsNotExist(err) {
				// another worker (or a concurrent Ack) already claimed it.
				continue
			}
			return nil, fmt.Errorf("queue: read %s: %w", c.name, err)
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			// A corrupt item file can't be retried meaningfully; move it
			// aside rather than spinning on it forever.
			_ = os.Rename(filepath.Join(q.dir, c.name), filepath.Join(q.dir, c.name+".corrupt"))
			continue
		}
		entries = append(entries, Entry{File: c.name, Item: item})
	}
	return entries, nil
}

// Depth counts the item files currently sitting in the queue, due or not —
// used for the apfed_queue_depth gauge, not for dispatch itself.
func (q *Queue) Depth() (int, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue: list %s: %w", q.dir, err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

// Ack removes a dispatched item's file, acknowledging successful (or
// permanently failed) processing.
func (q *Queue) Ack(file string) error {
	if file == "" {
		return fmt.Errorf("queue: refusing to ack empty filename")
	}
	err := os.Remove(filepath.Join(q.dir, file))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Requeue replaces a dispatched item's file with a new one carrying the
// updated item (typically with Retries incremented) and a later deadline,
// removing the original in the same call.
func (q *Queue) Requeue(file string, item Item, earliest time.Time) error {
	if err := q.Enqueue(item, earliest); err != nil {
		return err
	}
	return q.Ack(file)
}

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
