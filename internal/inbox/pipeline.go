// Package inbox implements the incoming-activity processing pipeline:
// structural validation, actor resolution, signature verification, the
// is_for_me routing decision and the per-type handlers that mutate local
// state in response to an accepted activity.
package inbox

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/fetcher"
	"github.com/klppl/apfed/internal/httpsig"
	"github.com/klppl/apfed/internal/metrics"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/userstore"
)

// Decision is process()'s outcome, matching the four-way contract the queue
// worker branches on.
type Decision string

const (
	Fatal  Decision = "fatal"  // permanent failure: archive, drop, never retry
	Retry  Decision = "retry"  // transient failure: requeue
	Done   Decision = "done"   // processed (including a policy-driven silent drop)
	Fanout Decision = "fanout" // no specific user yet; hand to per-user queues
)

// Outbox is the subset of outbox behaviour the inbox pipeline needs to reply
// to incoming activities (Accept, Pong, the Move handshake). Implemented by
// internal/outbox; declared here to avoid a dependency cycle.
type Outbox interface {
	Deliver(ctx context.Context, from *userstore.User, activity activitypub.Doc, to string) error
}

// Notifier is invoked for every user-visible mutation the pipeline makes.
type Notifier func(user *userstore.User, kind, subtype, actorURL string, activity activitypub.Doc)

// DefaultMaxConversationLevels bounds how deep Step 5's Create handler will
// walk inReplyTo chains fetching missing ancestors when
// Pipeline.MaxConversationLevels is unset.
const DefaultMaxConversationLevels = 10

// Pipeline holds the dependencies process() needs: the object and user
// stores, the fetcher (for actor resolution and ancestor fetches), an
// Outbox for replies, and the policy knobs from server.json.
type Pipeline struct {
	Objects  *objectstore.Store
	Instance *userstore.Instance
	Fetcher  *fetcher.Fetcher
	Outbox   Outbox
	Notify   Notifier

	LocalBase             string
	MaxConversationLevels int
	MinAccountAge         time.Duration
	RejectFilter          *regexp.Regexp // filter_reject.txt, nil disables it
	ErrorDir              string         // base directory for archive()
}

func (p *Pipeline) notify(user *userstore.User, kind, subtype, actorURL string, activity activitypub.Doc) {
	if p.Notify != nil {
		p.Notify(user, kind, subtype, actorURL, activity)
	}
}

func (p *Pipeline) maxConversationLevels() int {
	if p.MaxConversationLevels > 0 {
		return p.MaxConversationLevels
	}
	return DefaultMaxConversationLevels
}

// Process implements process(user?, activity, req) -> {fatal, retry, done,
// fanout}. req supplies the inbound HTTP request (Signature/Digest/Date
// headers); user is nil for shared-inbox delivery before a specific
// recipient has been determined.
func (p *Pipeline) Process(ctx context.Context, user *userstore.User, activity activitypub.Doc, req *http.Request) Decision {
	decision := p.process(ctx, user, activity, req)
	metrics.InboxActivitiesTotal.WithLabelValues(activitypub.ViewActivity(activity).Type, string(decision)).Inc()
	return decision
}

func (p *Pipeline) process(ctx context.Context, user *userstore.User, activity activitypub.Doc, req *http.Request) Decision {
	act := activitypub.ViewActivity(activity)

	// Step 1 — structural validation.
	if act.Actor == "" {
		p.archive("malformed", activity)
		return Fatal
	}
	if act.Type == "Add" || act.Type == "View" {
		return Fatal
	}

	// Step 2 — actor resolution.
	status, actorDoc, err := p.Fetcher.ActorFetch(ctx, act.Actor, nil)
	if err != nil {
		switch status {
		case 404, 410:
			return Fatal
		default:
			if user == nil {
				return Fanout
			}
			return Retry
		}
	}
	actor := activitypub.ViewActor(actorDoc)

	// Step 3 — signature verification.
	if req != nil {
		keyFetcher := func(keyID string) (string, error) {
			_, doc, err := p.Fetcher.ActorFetch(ctx, keyID, nil)
			if err != nil {
				return "", err
			}
			return activitypub.ViewActor(doc).PublicKeyPEM, nil
		}
		if _, err := httpsig.Verify(req, keyFetcher); err != nil {
			p.archive("bad-signature", activity)
			return Fatal
		}
	}

	if user == nil {
		return Fanout
	}

	// Step 4 — routing decision.
	if !p.isForMe(user, act, actor) {
		return Done
	}

	// Additional filters, applied after is_for_me but before type handlers.
	if !p.passesFilters(user, act, actor) {
		return Done
	}

	// Step 5 — type-specific handling.
	return p.dispatch(ctx, user, act, actor, actorDoc, activity)
}

func (p *Pipeline) isForMe(user *userstore.User, act *activitypub.Activity, actor *activitypub.Actor) bool {
	if act.Actor == user.Actor {
		return false // self-echo via shared inbox
	}
	switch act.Type {
	case "Like", "Announce":
		return strings.HasPrefix(act.ObjectID, user.Actor) || user.Follows(act.Actor)
	case "Undo":
		return user.Follows(act.Actor) || user.FollowedBy(act.Actor)
	case "Accept":
		return hasPendingFollow(user, act.Actor)
	case "Follow":
		return act.ObjectID == user.Actor
	case "Ping":
		return containsString(act.To, user.Actor)
	case "Create", "Update":
		return p.isForMeCreateUpdate(user, act)
	default:
		return true
	}
}

func (p *Pipeline) isForMeCreateUpdate(user *userstore.User, act *activitypub.Activity) bool {
	m := activitypub.EmbeddedObject(act.Object)
	if m == nil {
		// No embedded object to inspect; fall back to the activity's own
		// addressing, which mirrors the object's in every implementation
		// actually observed on the wire.
		m = activitypub.Doc{"to": act.To, "cc": act.CC}
	}
	r := activitypub.Recipients(m, false, "")
	public := activitypub.HasPublic(r)

	if public && user.Follows(act.Actor) {
		return true
	}
	if containsString(r, user.Actor) {
		return true
	}
	for _, rcpt := range r {
		if public && user.Follows(rcpt) {
			return true
		}
	}
	followersURL := act.Actor + "/followers"
	if containsString(r, followersURL) && user.Follows(act.Actor) {
		return true
	}
	attributedTo := activitypub.AttributedTo(m)
	if attributedTo != "" && user.Follows(attributedTo) {
		return true
	}
	if inReplyTo := activitypub.ObjectID(m["inReplyTo"]); inReplyTo != "" {
		if parent, err := p.Objects.Get(inReplyTo); err == nil {
			if parentAuthor := activitypub.AttributedTo(parent); parentAuthor != "" && user.Follows(parentAuthor) {
				return true
			}
		}
	}
	return false
}

func hasPendingFollow(user *userstore.User, actorURL string) bool {
	doc, ok := user.Get(userstore.RelFollowing, actorURL)
	return ok && doc["type"] == "Follow"
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
