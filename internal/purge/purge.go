// Package purge implements the daily retention sweep: trimming per-user
// timeline caches (and, transitively, the objects they hard-link) once
// entries age past the instance's configured retention horizons.
package purge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/config"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/userstore"
)

// Handler adapts Sweep to the queue dispatcher's Handler signature so a
// dequeued KindPurge item (enqueued daily by queue.SchedulePurge) drives one
// full sweep. The item itself carries no payload; its presence is the
// trigger. A sweep is always best-effort — partial failures are logged, not
// retried, since the next day's cron entry will cover anything missed.
func Handler(cfg *config.Config, users *userstore.Store, objects *objectstore.Store, instance *userstore.Instance) queue.Handler {
	return func(ctx context.Context, item *queue.Item) queue.Outcome {
		if err := Sweep(cfg, users, objects, instance); err != nil {
			slog.Warn("purge sweep failed", "error", err)
		}
		return queue.OutcomeDone
	}
}

// Sweep walks every local user's public and private timeline caches,
// unlinking entries older than the configured horizon, then reclaims any
// object left unreferenced and compacts the instance-wide public timeline
// index against what survived.
//
// Remote-authored entries (cached copies of someone else's note) age out
// per TimelinePurgeDays. Locally-authored entries age out per
// LocalPurgeDays instead, which defaults to 0 meaning "never" — a user's
// own posts stay in their own outbox cache indefinitely unless the admin
// opts in to a horizon.
func Sweep(cfg *config.Config, users *userstore.Store, objects *objectstore.Store, instance *userstore.Instance) error {
	now := time.Now()
	remoteCutoff, sweepRemote := cutoff(now, cfg.TimelinePurgeDays)
	localCutoff, sweepLocal := cutoff(now, cfg.LocalPurgeDays)

	if !sweepRemote && !sweepLocal {
		return nil
	}

	uids, err := users.List()
	if err != nil {
		return err
	}
	for _, uid := range uids {
		user, err := users.Open(uid)
		if err != nil {
			slog.Warn("purge: open user failed", "uid", uid, "error", err)
			continue
		}
		for _, tl := range []userstore.Timeline{userstore.TimelinePublic, userstore.TimelinePrivate} {
			if err := sweepTimeline(user, tl, objects, remoteCutoff, sweepRemote, localCutoff, sweepLocal); err != nil {
				slog.Warn("purge: sweep timeline failed", "uid", uid, "timeline", tl, "error", err)
			}
		}
	}

	if instance != nil {
		if err := compactPublicTimeline(instance, objects); err != nil {
			slog.Warn("purge: compact public timeline failed", "error", err)
		}
	}
	return nil
}

// cutoff turns a day count into a time boundary; days <= 0 disables the
// sweep for that class of entry entirely.
func cutoff(now time.Time, days int) (time.Time, bool) {
	if days <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -days), true
}

func sweepTimeline(user *userstore.User, tl userstore.Timeline, objects *objectstore.Store,
	remoteCutoff time.Time, sweepRemote bool, localCutoff time.Time, sweepLocal bool) error {

	dir := filepath.Join(user.Dir(), string(tl))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		digest := name[:len(name)-len(filepath.Ext(name))]

		info, err := e.Info()
		if err != nil {
			continue
		}

		obj, err := objects.GetByDigest(digest)
		if err != nil {
			// Link with no backing object; clear the dangling entry.
			_ = user.RemoveFromTimeline(tl, digest)
			continue
		}

		local := activitypub.AttributedTo(obj) == user.Actor
		var expired bool
		if local {
			expired = sweepLocal && info.ModTime().Before(localCutoff)
		} else {
			expired = sweepRemote && info.ModTime().Before(remoteCutoff)
		}
		if !expired {
			continue
		}

		if err := user.RemoveFromTimeline(tl, digest); err != nil {
			slog.Warn("purge: unlink failed", "digest", digest, "error", err)
			continue
		}
		id, _ := obj["id"].(string)
		if id != "" {
			if err := objects.DeleteIfUnreferenced(id); err != nil {
				slog.Warn("purge: reclaim failed", "id", id, "error", err)
			}
		}
	}
	return nil
}

// compactPublicTimeline rewrites the instance-wide public index, dropping
// digests whose backing object no longer exists — the index is append-only
// in normal operation, so this is the only point anything is removed from
// it.
func compactPublicTimeline(instance *userstore.Instance, objects *objectstore.Store) error {
	digests, err := instance.PublicTimeline()
	if err != nil {
		return err
	}
	kept := digests[:0]
	for _, d := range digests {
		if _, err := objects.GetByDigest(d); err == nil {
			kept = append(kept, d)
		}
	}
	if len(kept) == len(digests) {
		return nil
	}
	return instance.RewritePublicTimeline(kept)
}
