package inbox

import (
	"context"
	"log/slog"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/userstore"
)

func (p *Pipeline) dispatch(ctx context.Context, user *userstore.User, act *activitypub.Activity, actor *activitypub.Actor, actorDoc, raw activitypub.Doc) Decision {
	switch act.Type {
	case "Follow":
		return p.handleFollow(ctx, user, act, actorDoc, raw)
	case "Undo":
		return p.handleUndo(user, act)
	case "Create":
		return p.handleCreate(ctx, user, act)
	case "Accept":
		return p.handleAccept(user, act, raw)
	case "Like", "EmojiReact", "Announce":
		return p.handleAdmire(user, act)
	case "Update":
		return p.handleUpdate(user, act)
	case "Delete":
		return p.handleDelete(user, act)
	case "Ping":
		return p.handlePing(ctx, user, act, raw)
	case "Move":
		return p.handleMove(ctx, user, act)
	default:
		return Done
	}
}

func (p *Pipeline) handleFollow(ctx context.Context, user *userstore.User, act *activitypub.Activity, actorDoc, raw activitypub.Doc) Decision {
	if user.FollowedBy(act.Actor) {
		return Done
	}
	if _, err := p.Objects.Put(act.Actor, actorDoc, false); err != nil {
		slog.Warn("inbox: failed to store follower actor", "actor", act.Actor, "error", err)
	}
	if err := user.Put(userstore.RelFollowers, act.Actor, raw); err != nil {
		slog.Warn("inbox: failed to record follower", "actor", act.Actor, "error", err)
		return Retry
	}

	accept := activitypub.Accept(raw, user.Actor)
	if p.Outbox != nil {
		if err := p.Outbox.Deliver(ctx, user, accept, act.Actor); err != nil {
			slog.Warn("inbox: failed to deliver Accept", "actor", act.Actor, "error", err)
		}
	}
	p.notify(user, "follow", "", act.Actor, raw)
	return Done
}

func (p *Pipeline) handleUndo(user *userstore.User, act *activitypub.Activity) Decision {
	inner := activitypub.EmbeddedObject(act.Object)
	if inner == nil {
		return Done
	}
	innerType := docType(inner)
	switch innerType {
	case "Follow":
		if activitypub.ObjectID(inner["object"]) == user.Actor {
			_ = user.Remove(userstore.RelFollowers, act.Actor)
		}
	case "Like":
		_ = p.Objects.Unadmire(activitypub.ObjectID(inner["object"]), act.Actor, objectstore.AdmireLike)
	case "Announce":
		_ = p.Objects.Unadmire(activitypub.ObjectID(inner["object"]), act.Actor, objectstore.AdmireAnnounce)
	}
	return Done
}

func (p *Pipeline) handleCreate(ctx context.Context, user *userstore.User, act *activitypub.Activity) Decision {
	m := activitypub.EmbeddedObject(act.Object)
	if m == nil {
		return Done
	}
	switch docType(m) {
	case "Note", "Article":
		p.fetchConversation(ctx, activitypub.ObjectID(m["inReplyTo"]), p.maxConversationLevels())

		id := activitypub.ObjectID(m["id"])
		if _, err := p.Objects.Put(id, m, false); err != nil {
			slog.Warn("inbox: failed to store created object", "id", id, "error", err)
			return Retry
		}

		note := activitypub.ViewNote(m)
		if note.Name != "" && note.InReplyTo != "" {
			if err := applyPollVote(p.Objects, note.InReplyTo, note.Name); err != nil {
				slog.Debug("inbox: poll vote not applied", "question", note.InReplyTo, "error", err)
			}
			return Done
		}

		tl := userstore.TimelinePublic
		if !activitypub.HasPublic(activitypub.Recipients(m, false, "")) {
			tl = userstore.TimelinePrivate
		}
		if err := user.AddToTimeline(tl, objectstore.Digest(id)); err != nil {
			slog.Warn("inbox: failed to add to timeline", "id", id, "error", err)
		}
		p.notify(user, "create", docType(m), act.Actor, m)
		return Done

	case "Question", "Video":
		id := activitypub.ObjectID(m["id"])
		if _, err := p.Objects.Put(id, m, false); err != nil {
			slog.Warn("inbox: failed to store created object", "id", id, "error", err)
			return Retry
		}
		if err := user.AddToTimeline(userstore.TimelinePublic, objectstore.Digest(id)); err != nil {
			slog.Warn("inbox: failed to add to timeline", "id", id, "error", err)
		}
		return Done

	default:
		return Done
	}
}

// fetchConversation walks a reply chain fetching and storing any ancestor
// not yet known locally, up to levels hops, so a reply can be resolved to
// its thread root even if we never saw the parent post arrive first.
func (p *Pipeline) fetchConversation(ctx context.Context, inReplyTo string, levels int) {
	for levels > 0 && inReplyTo != "" {
		if p.Objects.Exists(inReplyTo) {
			return
		}
		status, obj, err := p.Fetcher.Fetch(ctx, inReplyTo, nil)
		if err != nil || status != 200 {
			return
		}
		if _, err := p.Objects.Put(inReplyTo, obj, false); err != nil {
			return
		}
		inReplyTo = activitypub.ObjectID(obj["inReplyTo"])
		levels--
	}
}

func (p *Pipeline) handleAccept(user *userstore.User, act *activitypub.Activity, raw activitypub.Doc) Decision {
	if !hasPendingFollow(user, act.Actor) {
		return Done
	}
	if err := user.Put(userstore.RelFollowing, act.Actor, raw); err != nil {
		slog.Warn("inbox: failed to confirm following", "actor", act.Actor, "error", err)
		return Retry
	}
	p.notify(user, "accept", "follow", act.Actor, raw)
	return Done
}

func (p *Pipeline) handleAdmire(user *userstore.User, act *activitypub.Activity) Decision {
	kind := objectstore.AdmireLike
	if act.Type == "Announce" {
		kind = objectstore.AdmireAnnounce
	}
	if err := p.Objects.Admire(act.ObjectID, act.Actor, kind); err != nil {
		slog.Warn("inbox: failed to record admiration", "object", act.ObjectID, "error", err)
		return Retry
	}
	if act.Type == "Announce" {
		if err := user.AddToTimeline(userstore.TimelinePublic, objectstore.Digest(act.ObjectID)); err != nil {
			slog.Debug("inbox: announce distribution skipped", "object", act.ObjectID, "error", err)
		}
	}
	p.notify(user, "admire", act.Type, act.Actor, nil)
	return Done
}

func (p *Pipeline) handleUpdate(user *userstore.User, act *activitypub.Activity) Decision {
	m := activitypub.EmbeddedObject(act.Object)
	if m == nil {
		return Done
	}
	id := activitypub.ObjectID(m["id"])
	switch docType(m) {
	case "Person", "Service", "Application", "Group", "Organization":
		if _, err := p.Objects.Put(id, m, true); err != nil {
			slog.Warn("inbox: failed to update actor", "id", id, "error", err)
			return Retry
		}
		return Done

	case "Note", "Page", "Article", "Video":
		if !p.Objects.Exists(id) {
			return Done
		}
		if _, err := p.Objects.Put(id, m, true); err != nil {
			slog.Warn("inbox: failed to update object", "id", id, "error", err)
			return Retry
		}
		return Done

	case "Question":
		if _, err := p.Objects.Put(id, m, true); err != nil {
			slog.Warn("inbox: failed to update question", "id", id, "error", err)
			return Retry
		}
		note := activitypub.ViewNote(m)
		if note.Closed != "" {
			p.notify(user, "poll_closed", "", act.Actor, m)
		}
		return Done

	default:
		return Done
	}
}

func (p *Pipeline) handleDelete(user *userstore.User, act *activitypub.Activity) Decision {
	m := activitypub.EmbeddedObject(act.Object)
	var id string
	if m != nil {
		id = activitypub.ObjectID(m["id"])
	} else {
		id = act.ObjectID
	}
	if id == "" || !p.Objects.Exists(id) {
		return Done
	}
	obj, err := p.Objects.Get(id)
	if err != nil {
		return Done
	}
	if activitypub.AttributedTo(obj) != act.Actor {
		return Done
	}
	if err := p.Objects.DeleteIfUnreferenced(id); err != nil {
		slog.Warn("inbox: failed to delete object", "id", id, "error", err)
		return Retry
	}
	p.notify(user, "delete", "", act.Actor, m)
	return Done
}

func (p *Pipeline) handlePing(ctx context.Context, user *userstore.User, act *activitypub.Activity, raw activitypub.Doc) Decision {
	pong := activitypub.Pong(user.Actor, raw)
	if p.Outbox != nil {
		if err := p.Outbox.Deliver(ctx, user, pong, act.Actor); err != nil {
			slog.Warn("inbox: failed to deliver Pong", "actor", act.Actor, "error", err)
		}
	}
	return Done
}

func (p *Pipeline) handleMove(ctx context.Context, user *userstore.User, act *activitypub.Activity) Decision {
	oldActor := act.ObjectID
	newActor := act.TargetID
	if oldActor == "" || newActor == "" || act.Actor != oldActor {
		return Done
	}
	if !user.Follows(oldActor) {
		return Done
	}

	status, newActorDoc, err := p.Fetcher.ActorFetch(ctx, newActor, nil)
	if err != nil || status >= 400 {
		return Retry
	}
	newView := activitypub.ViewActor(newActorDoc)
	found := false
	for _, aka := range newView.AlsoKnownAs {
		if aka == oldActor {
			found = true
			break
		}
	}
	if !found {
		return Done
	}

	oldFollow, _ := user.Get(userstore.RelFollowing, oldActor)

	follow := activitypub.Follow(user.Actor, newActor)
	if p.Outbox != nil {
		if err := p.Outbox.Deliver(ctx, user, follow, newActor); err != nil {
			slog.Warn("inbox: move: failed to send Follow to new actor", "actor", newActor, "error", err)
		}
	}
	if oldFollow != nil {
		undo := activitypub.Undo(oldFollow)
		if p.Outbox != nil {
			if err := p.Outbox.Deliver(ctx, user, undo, oldActor); err != nil {
				slog.Warn("inbox: move: failed to send Undo(Follow) to old actor", "actor", oldActor, "error", err)
			}
		}
	}

	_ = user.Remove(userstore.RelFollowing, oldActor)
	_ = user.Put(userstore.RelFollowing, newActor, follow)
	p.notify(user, "move", "", act.Actor, nil)
	return Done
}
