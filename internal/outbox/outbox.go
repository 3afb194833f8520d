// Package outbox resolves an activity's recipients to inbox URLs — folding
// duplicate origins onto a shared inbox where one is advertised — and hands
// each delivery to the durable output queue. The actual signed HTTP POST
// lives in deliver.go, run by the queue dispatcher's worker pool rather than
// inline, so a slow or unreachable remote never blocks the activity that
// triggered the send.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/fetcher"
	"github.com/klppl/apfed/internal/httpsig"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/userstore"
)

// Sender implements inbox.Outbox and provides the multi-recipient
// distribution entry point the server handlers call for outgoing Create/
// Update/Delete/Like/Announce activities.
type Sender struct {
	Fetcher   *fetcher.Fetcher
	LocalBase string

	// Instance and DisableInboxCollection back spec.md §4.6's "for a public
	// Create|Update, additionally union the instance-wide shared-inbox set
	// unless the admin disabled inbox collection or the target host is
	// blocked". Instance may be nil (e.g. in tests exercising only direct
	// delivery), in which case the union is skipped.
	Instance               *userstore.Instance
	DisableInboxCollection bool
}

// Deliver enqueues activity for delivery to the single actor "to", resolving
// its (possibly shared) inbox first. Satisfies inbox.Outbox, used for direct
// replies: Accept, Pong, the Move handshake's Follow/Undo pair.
func (s *Sender) Deliver(ctx context.Context, from *userstore.User, activity activitypub.Doc, to string) error {
	inboxes := s.resolveInboxes(ctx, from, []string{to})
	var firstErr error
	for inbox := range inboxes {
		if err := s.enqueue(from, activity, inbox); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Distribute fans an outgoing activity out to every recipient named in its
// to/cc fields, expanding the magic public URI to followersURL first and
// deduplicating onto one delivery per origin via shared inboxes. For a
// public Create|Update it additionally unions the instance-wide shared-inbox
// set (spec.md §4.6), skipping hosts the admin has blocked, unless inbox
// collection has been disabled.
func (s *Sender) Distribute(ctx context.Context, from *userstore.User, activity activitypub.Doc, followersURL string) error {
	recipients := activitypub.Recipients(activity, true, followersURL)
	inboxes := s.resolveInboxes(ctx, from, recipients)

	act := activitypub.ViewActivity(activity)
	if s.Instance != nil && !s.DisableInboxCollection && (act.Type == "Create" || act.Type == "Update") {
		r := activitypub.Recipients(activity, false, followersURL)
		if activitypub.HasPublic(r) {
			shared, err := s.Instance.SharedInboxes()
			if err != nil {
				slog.Debug("outbox: failed to load shared-inbox set", "error", err)
			}
			for _, inbox := range shared {
				if s.Instance.IsBlocked(hostOf(inbox)) {
					continue
				}
				inboxes[inbox] = struct{}{}
			}
		}
	}

	var firstErr error
	for inbox := range inboxes {
		if err := s.enqueue(from, activity, inbox); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolveInboxes converts recipient actor ids into a deduplicated set of
// inbox URLs, preferring each origin's shared inbox once it has been used.
func (s *Sender) resolveInboxes(ctx context.Context, from *userstore.User, recipients []string) map[string]struct{} {
	inboxes := make(map[string]struct{})
	seenOrigin := make(map[string]struct{})

	for _, recipientID := range recipients {
		if recipientID == "" || recipientID == activitypub.PublicURI {
			continue
		}
		if activitypub.IsLocalID(recipientID, s.LocalBase) {
			continue
		}

		status, doc, err := s.Fetcher.ActorFetch(ctx, recipientID, from)
		if err != nil {
			slog.Debug("outbox: failed to resolve recipient actor", "actor", recipientID, "status", status, "error", err)
			continue
		}
		actor := activitypub.ViewActor(doc)

		inbox := actor.Inbox
		if actor.SharedInbox != "" {
			origin := originOf(actor.SharedInbox)
			if _, already := seenOrigin[origin]; already {
				continue
			}
			seenOrigin[origin] = struct{}{}
			inbox = actor.SharedInbox
		}
		if inbox != "" {
			inboxes[inbox] = struct{}{}
		}
	}
	return inboxes
}

func (s *Sender) enqueue(from *userstore.User, activity activitypub.Doc, inbox string) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	item := queue.Item{
		Kind:    queue.KindOutput,
		Inbox:   inbox,
		KeyID:   from.Actor + "#main-key",
		SecKey:  httpsig.EncodePrivateKeyPEM(from.Keys.Private),
		Message: body,
	}
	q, err := queue.New(from.QueueDir())
	if err != nil {
		return err
	}
	return q.EnqueueNow(item)
}

// hostOf returns the bare host of a URL, matching the digest key
// Instance.IsBlocked/AddSharedInbox index blocked and shared-inbox hosts
// under (see internal/fetcher's identical helper).
func hostOf(rawURL string) string {
	rest := strings.TrimPrefix(rawURL, "https://")
	rest = strings.TrimPrefix(rest, "http://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func originOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx == -1 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash != -1 {
		return rawURL[:idx+3+slash]
	}
	return rawURL
}
