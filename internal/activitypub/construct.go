package activitypub

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDTag selects how MsgBase mints an activity id.
type IDTag int

const (
	// IDNone leaves "id" unset (caller fills it in, or it is a bare reference).
	IDNone IDTag = iota
	// IDDummy mints a random, throwaway id under the actor
	// ("<actor>#<type>-<uuid>").
	IDDummy
	// IDObject mints an id derived from the wrapped object's id plus the
	// activity type and a random suffix, e.g. for fan-out wrappers that must
	// not collide across recipients.
	IDObject
	// IDWrapper mints a stable id derived only from the object id and verb,
	// so re-building the same wrapper twice produces the same id.
	IDWrapper
)

// nowTag, passed as the date argument, substitutes the current UTC time in
// RFC3339 form — the Go analogue of the "@now" sentinel.
const nowTag = "@now"

// MsgBase builds the common envelope shared by every outgoing activity:
// @context, id, type, actor, published and the wrapped object.
func MsgBase(typ string, idTag IDTag, actorID, objectID, published string, object interface{}) Doc {
	doc := Doc{
		"type":   typ,
		"actor":  actorID,
		"object": object,
	}
	switch idTag {
	case IDDummy:
		doc["id"] = actorID + "#" + strings.ToLower(typ) + "-" + uuid.NewString()
	case IDObject:
		doc["id"] = objectID + "#" + strings.ToLower(typ) + "-" + uuid.NewString()
	case IDWrapper:
		doc["id"] = objectID + "/" + strings.ToLower(typ)
	}
	if published == nowTag {
		published = time.Now().UTC().Format(time.RFC3339)
	}
	if published != "" {
		doc["published"] = published
	}
	return WithContext(doc)
}

// MsgActor builds a Person (or Service, when bot is true) actor document for
// a local user rooted at actorURL.
func MsgActor(actorURL, preferredUsername, name, summary, publicKeyPEM, iconURL string, bot, private bool, sharedInbox string) Doc {
	typ := "Person"
	if bot {
		typ = "Service"
	}
	doc := Doc{
		"id":                actorURL,
		"type":              typ,
		"preferredUsername": preferredUsername,
		"inbox":             actorURL + "/inbox",
		"outbox":            actorURL + "/outbox",
		"followers":         actorURL + "/followers",
		"following":         actorURL + "/following",
		"publicKey": Doc{
			"id":           actorURL + "#main-key",
			"owner":        actorURL,
			"publicKeyPem": publicKeyPEM,
		},
	}
	if name != "" {
		doc["name"] = name
	}
	if summary != "" {
		doc["summary"] = summary
	}
	if iconURL != "" {
		doc["icon"] = Doc{"type": "Image", "url": iconURL}
	}
	if private {
		doc["manuallyApprovesFollowers"] = true
	}
	if sharedInbox != "" {
		doc["endpoints"] = Doc{"sharedInbox": sharedInbox}
	}
	return WithContext(doc)
}

// Scope is the visibility level of an outgoing Note, mirroring Mastodon's
// three user-selectable levels (a fourth, direct, is implied by recipients
// containing only non-collection actor URLs).
type Scope int

const (
	ScopePublic Scope = iota
	ScopeMentionedOnly
	ScopeUnlisted
)

var (
	mentionTokenRe = regexp.MustCompile(`@([A-Za-z0-9_.+-]+@[A-Za-z0-9.-]+|[A-Za-z0-9_]+)`)
	hashtagTokenRe = regexp.MustCompile(`#([A-Za-z0-9_]+)`)
)

// ResolveMention maps an @handle or @user token found in note text to an
// actor URL. Returns ("", false) when the token cannot be resolved locally
// (the caller is expected to have already resolved remote handles via
// WebFinger and passed a pre-built resolved map instead for those).
type ResolveMention func(token string) (actorURL string, ok bool)

// MsgNote formats Markdown-ish content to HTML, extracts @mention and
// #hashtag tokens into the tag list, computes to/cc from rcpts plus the
// resolved mentions and scope, and propagates the parent note's conversation
// id when replying.
func MsgNote(noteID, actorID, rawContent string, rcpts []string, inReplyTo Doc, attach []Doc, scope Scope, localBase, followersURL string, resolve ResolveMention) Doc {
	content, mentions, hashtags := renderContent(rawContent, resolve, localBase)

	addr := append([]string(nil), rcpts...)
	for _, m := range mentions {
		addr = append(addr, m.href)
	}
	to, cc := addressees(addr, scope, followersURL)

	doc := Doc{
		"id":           noteID,
		"type":         "Note",
		"attributedTo": actorID,
		"content":      content,
		"published":    time.Now().UTC().Format(time.RFC3339),
		"to":           dedupe(to),
		"cc":           dedupe(cc),
	}

	var tags []interface{}
	for _, m := range mentions {
		tags = append(tags, Doc{"type": "Mention", "href": m.href, "name": m.name})
	}
	for _, h := range hashtags {
		tags = append(tags, Doc{"type": "Hashtag", "href": localBase + "/tags/" + h, "name": "#" + h})
	}
	if len(tags) > 0 {
		doc["tag"] = tags
	}
	if len(attach) > 0 {
		items := make([]interface{}, len(attach))
		for i, a := range attach {
			items[i] = a
		}
		doc["attachment"] = items
	}

	if inReplyTo != nil {
		doc["inReplyTo"] = getString(inReplyTo, "id")
		// Propagate the parent's conversation/context so clients can thread
		// replies without walking inReplyTo chains.
		if ctx, ok := inReplyTo["context"]; ok {
			doc["context"] = ctx
		}
		if conv, ok := inReplyTo["conversation"]; ok {
			doc["conversation"] = conv
		}
	}
	return doc
}

type mention struct{ href, name string }

func renderContent(raw string, resolve ResolveMention, localBase string) (html string, mentions []mention, hashtags []string) {
	seenMention := map[string]bool{}
	seenTag := map[string]bool{}

	escaped := escapeHTML(raw)

	escaped = mentionTokenRe.ReplaceAllStringFunc(escaped, func(tok string) string {
		handle := tok[1:]
		href, ok := resolve(handle)
		if !ok {
			return tok
		}
		if !seenMention[href] {
			seenMention[href] = true
			mentions = append(mentions, mention{href: href, name: tok})
		}
		return `<span class="h-card"><a href="` + href + `" class="u-url mention">` + tok + `</a></span>`
	})

	escaped = hashtagTokenRe.ReplaceAllStringFunc(escaped, func(tok string) string {
		tag := strings.ToLower(tok[1:])
		if !seenTag[tag] {
			seenTag[tag] = true
			hashtags = append(hashtags, tag)
		}
		return `<a href="` + localBase + "/tags/" + tag + `" class="mention hashtag" rel="tag">` + tok + `</a>`
	})

	paragraphs := strings.Split(escaped, "\n\n")
	for i, p := range paragraphs {
		paragraphs[i] = "<p>" + strings.ReplaceAll(p, "\n", "<br>") + "</p>"
	}
	return strings.Join(paragraphs, ""), mentions, hashtags
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func addressees(rcpts []string, scope Scope, followersURL string) (to, cc []string) {
	switch scope {
	case ScopePublic:
		to = append(to, PublicURI)
		cc = append(cc, followersURL)
		cc = append(cc, rcpts...)
	case ScopeUnlisted:
		to = append(to, followersURL)
		cc = append(cc, PublicURI)
		cc = append(cc, rcpts...)
	case ScopeMentionedOnly:
		to = append(to, rcpts...)
	}
	return to, cc
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// MsgQuestion builds a Question (poll) document. exclusive selects oneOf
// (single choice) vs anyOf (multiple choice).
func MsgQuestion(questionID, actorID, content string, rcpts []string, options []string, exclusive bool, endTime time.Time, scope Scope, followersURL string) Doc {
	to, cc := addressees(rcpts, scope, followersURL)
	opts := make([]interface{}, len(options))
	for i, name := range options {
		opts[i] = Doc{
			"type": "Note",
			"name": name,
			"replies": Doc{
				"type":       "Collection",
				"totalItems": 0,
			},
		}
	}
	doc := Doc{
		"id":           questionID,
		"type":         "Question",
		"attributedTo": actorID,
		"content":      content,
		"published":    time.Now().UTC().Format(time.RFC3339),
		"endTime":      endTime.UTC().Format(time.RFC3339),
		"to":           dedupe(to),
		"cc":           dedupe(cc),
		"votersCount":  0,
	}
	if exclusive {
		doc["oneOf"] = opts
	} else {
		doc["anyOf"] = opts
	}
	return doc
}

// Create wraps a newly authored object in a Create activity.
func Create(note Doc) Doc {
	n := ViewNote(note)
	return MsgBase("Create", IDWrapper, n.AttributedTo, n.ID, nowTag, note)
}

// Update wraps a mutated object (actor or note) in an Update activity.
func Update(obj Doc, actorID string) Doc {
	return MsgBase("Update", IDDummy, actorID, getString(obj, "id"), nowTag, obj)
}

// TombstoneFor builds the Tombstone replacing a deleted object.
func TombstoneFor(id, formerType string) Doc {
	return Doc{
		"id":         id,
		"type":       "Tombstone",
		"formerType": formerType,
		"deleted":    time.Now().UTC().Format(time.RFC3339),
	}
}

// Delete wraps a Tombstone in a Delete activity.
func Delete(id, formerType, actorID string) Doc {
	tomb := TombstoneFor(id, formerType)
	return MsgBase("Delete", IDDummy, actorID, id, nowTag, tomb)
}

// Follow builds a Follow activity from followerID toward followedID.
func Follow(followerID, followedID string) Doc {
	return MsgBase("Follow", IDObject, followerID, followedID, "", followedID)
}

// Accept wraps an incoming Follow activity in an Accept, sent by the actor
// being followed.
func Accept(followActivity Doc, localActorID string) Doc {
	return MsgBase("Accept", IDDummy, localActorID, getString(followActivity, "id"), "", followActivity)
}

// Reject wraps an incoming Follow activity in a Reject.
func Reject(followActivity Doc, localActorID string) Doc {
	return MsgBase("Reject", IDDummy, localActorID, getString(followActivity, "id"), "", followActivity)
}

// Undo wraps a previously sent activity (Follow, Like, Announce) in an Undo,
// reusing the same actor.
func Undo(activity Doc) Doc {
	actorID := ObjectID(activity["actor"])
	return MsgBase("Undo", IDDummy, actorID, getString(activity, "id"), nowTag, activity)
}

// Like builds a Like activity on objectID.
func Like(actorID, objectID string) Doc {
	return MsgBase("Like", IDObject, actorID, objectID, "", objectID)
}

// EmojiReact builds an EmojiReact activity with the given emoji content.
func EmojiReact(actorID, objectID, content string) Doc {
	doc := MsgBase("EmojiReact", IDObject, actorID, objectID, "", objectID)
	doc["content"] = content
	return doc
}

// Announce builds an Announce ("boost") activity wrapping objectID, with to/
// cc computed the same way as an outgoing Note of the given scope.
func Announce(actorID, objectID, followersURL string, scope Scope) Doc {
	to, cc := addressees(nil, scope, followersURL)
	doc := MsgBase("Announce", IDWrapper, actorID, objectID, nowTag, objectID)
	doc["to"] = dedupe(to)
	doc["cc"] = dedupe(cc)
	return doc
}

// Ping builds a Ping activity addressed to targetActorID, used as a liveness
// probe between instances.
func Ping(actorID, targetActorID string) Doc {
	doc := MsgBase("Ping", IDDummy, actorID, "", nowTag, nil)
	delete(doc, "object")
	doc["to"] = []string{targetActorID}
	return doc
}

// Pong replies to a Ping activity, referencing its id.
func Pong(actorID string, ping Doc) Doc {
	doc := MsgBase("Pong", IDDummy, actorID, "", nowTag, getString(ping, "id"))
	doc["to"] = []string{ObjectID(ping["actor"])}
	return doc
}

// Move announces that actorID has relocated from oldActorID to itself. The
// object is oldActorID and the target is the new (self) id, matching the
// shape remote servers expect to see on the wire.
func Move(newActorID, oldActorID string) Doc {
	doc := MsgBase("Move", IDDummy, newActorID, oldActorID, nowTag, oldActorID)
	doc["target"] = newActorID
	return doc
}
