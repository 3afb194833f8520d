package inbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/google/uuid"
)

// archive writes activity under error/<timestamp>_<tag> with enough context
// to replay, per the validation/authentication rows of the error-handling
// taxonomy. A failure to archive is logged but never escalated: losing a
// forensic copy must not turn a drop into a retry.
func (p *Pipeline) archive(tag string, activity activitypub.Doc) {
	if p.ErrorDir == "" {
		return
	}
	dir := filepath.Join(p.ErrorDir, "error")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("inbox: failed to create archive directory", "dir", dir, "error", err)
		return
	}

	name := fmt.Sprintf("%d_%s_%s.json", time.Now().Unix(), tag, uuid.New().String())
	data, err := json.MarshalIndent(activity, "", "  ")
	if err != nil {
		slog.Warn("inbox: failed to marshal activity for archival", "tag", tag, "error", err)
		return
	}

	path := filepath.Join(dir, name)
	if err := writeFileAtomic(path, data); err != nil {
		slog.Warn("inbox: failed to write archive file", "path", path, "error", err)
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

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
