package queue

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/klppl/apfed/internal/metrics"
)

// Outcome is what a Handler reports after attempting one item.
type Outcome int

const (
	// OutcomeDone removes the item; it was processed successfully or
	// permanently failed (fatal status, retry budget exhausted).
	OutcomeDone Outcome = iota
	// OutcomeRetry requeues the item with Retries incremented, at a
	// delay the dispatcher computes from the retry policy.
	OutcomeRetry
	// OutcomeRetryDoublePenalty requeues with Retries incremented by 2,
	// used when the same timeout code repeats back-to-back.
	OutcomeRetryDoublePenalty
)

// Handler processes one dequeued item and reports what happened to it. It
// receives item by pointer so it can record outcome-specific bookkeeping
// (e.g. the output delivery handler's PStatus, consulted by
// ClassifyDeliveryStatus on the next attempt) before a retry persists it.
type Handler func(ctx context.Context, item *Item) Outcome

// RetryPolicy computes the next eligible dispatch time for a requeued item
// and the point at which it should be dropped instead of retried again.
type RetryPolicy struct {
	Backoff func(retries int) time.Duration
	MaxTries int
}

// sourcedEntry tracks which queue an Entry was dequeued from, so the
// dispatcher can Ack/Requeue it against the right directory.
type sourcedEntry struct {
	q *Queue
	Entry
}

// Dispatcher scans the global queue plus a dynamic set of per-user queues on
// a fixed interval, feeding eligible items into an in-memory FIFO consumed
// by a worker pool. This mirrors the reference server's ticker-driven
// resync loop, generalised from "a single periodic task" to "drain two
// kinds of durable queues into one bounded worker pool".
type Dispatcher struct {
	Global   *Queue
	UserDirs func() []*Queue // returns the current set of per-user queues

	Handler Handler
	Policy  RetryPolicy

	Workers  int
	Interval time.Duration
	BatchMax int // per-scan cap per queue directory, 0 = unlimited

	fifo chan sourcedEntry
}

// Start runs the dispatcher loop and worker pool until ctx is cancelled.
// Blocks the calling goroutine; callers run it in its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	workers := d.Workers
	if workers <= 0 {
		workers = 4
	}
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	d.fifo = make(chan sourcedEntry, workers*4)

	for i := 0; i < workers; i++ {
		go d.worker(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("queue dispatcher started", "workers", workers, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("queue dispatcher stopped")
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

// queueLabel derives the apfed_queue_depth label for a per-user queue from
// its directory, which is always <...>/user/<uid>/queue.
func queueLabel(q *Queue) string {
	return "user:" + filepath.Base(filepath.Dir(q.Dir()))
}

func (d *Dispatcher) scan(ctx context.Context) {
	now := time.Now()
	queues := make([]*Queue, 0, 1+len(d.UserDirs()))
	labels := make(map[*Queue]string)
	if d.Global != nil {
		queues = append(queues, d.Global)
		labels[d.Global] = "global"
	}
	for _, q := range d.UserDirs() {
		queues = append(queues, q)
		labels[q] = queueLabel(q)
	}

	for _, q := range queues {
		if depth, err := q.Depth(); err == nil {
			metrics.QueueDepth.WithLabelValues(labels[q]).Set(float64(depth))
		}

		due, err := q.Due(now, d.BatchMax)
		if err != nil {
			slog.Warn("queue scan failed", "dir", q.Dir(), "error", err)
			continue
		}
		for _, e := range due {
			select {
			case <-ctx.Done():
				return
			case d.fifo <- sourcedEntry{q: q, Entry: e}:
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case se, ok := <-d.fifo:
			if !ok {
				return
			}
			d.process(ctx, se)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, se sourcedEntry) {
	outcome := d.Handler(ctx, &se.Item)
	// se.File is empty for an item Submit handed straight to a worker
	// without ever touching disk; there is then nothing to Ack, and a
	// retry must Enqueue fresh rather than Requeue a file that never
	// existed (Requeue("") would otherwise target the queue directory
	// itself).
	switch outcome {
	case OutcomeDone:
		if se.File == "" {
			return
		}
		if err := se.q.Ack(se.File); err != nil {
			slog.Warn("queue ack failed", "file", se.File, "error", err)
		}
	case OutcomeRetry, OutcomeRetryDoublePenalty:
		item := se.Item
		bump := 1
		if outcome == OutcomeRetryDoublePenalty {
			bump = 2
		}
		item.Retries += bump
		if d.Policy.MaxTries > 0 && item.Retries >= d.Policy.MaxTries {
			slog.Info("queue: giving up after max retries", "kind", item.Kind, "inbox", item.Inbox, "retries", item.Retries)
			if se.File != "" {
				if err := se.q.Ack(se.File); err != nil {
					slog.Warn("queue ack failed", "file", se.File, "error", err)
				}
			}
			return
		}
		delay := time.Duration(0)
		if d.Policy.Backoff != nil {
			delay = d.Policy.Backoff(item.Retries)
		}
		if se.File == "" {
			if err := se.q.Enqueue(item, time.Now().Add(delay)); err != nil {
				slog.Warn("queue enqueue failed", "error", err)
			}
			return
		}
		if err := se.q.Requeue(se.File, item, time.Now().Add(delay)); err != nil {
			slog.Warn("queue requeue failed", "file", se.File, "error", err)
		}
	}
}

// Submit hands a fresh item directly to the worker pool, bypassing disk —
// used for output items with Retries == 0, where a delivery attempt should
// happen immediately rather than waiting for the next scan tick.
func (d *Dispatcher) Submit(q *Queue, item Item) {
	d.fifo <- sourcedEntry{q: q, Entry: Entry{Item: item}}
}
