package queue

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SchedulePurge registers a daily purge trigger on sched, enqueuing a
// KindPurge item onto global so the dispatcher's normal worker pool (rather
// than the cron goroutine itself) performs the actual sweep.
func SchedulePurge(sched *cron.Cron, global *Queue) (cron.EntryID, error) {
	return sched.AddFunc("@daily", func() {
		if err := global.EnqueueNow(Item{Kind: KindPurge}); err != nil {
			slog.Warn("queue: failed to enqueue purge", "error", err)
		}
	})
}
