package activitypub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowUndoRoundTrip(t *testing.T) {
	f := Follow("https://a.example/users/alice", "https://b.example/users/bob")
	assert.Equal(t, "Follow", f["type"])
	assert.Equal(t, "https://a.example/users/alice", f["actor"])
	assert.Equal(t, "https://b.example/users/bob", f["object"])
	require.NotEmpty(t, f["id"])

	u := Undo(f)
	assert.Equal(t, "Undo", u["type"])
	assert.Equal(t, "https://a.example/users/alice", u["actor"])
	assert.Equal(t, f, u["object"])
}

func TestAcceptWrapsFollow(t *testing.T) {
	f := Follow("https://a.example/users/alice", "https://b.example/users/bob")
	a := Accept(f, "https://b.example/users/bob")
	assert.Equal(t, "Accept", a["type"])
	assert.Equal(t, "https://b.example/users/bob", a["actor"])
	assert.Equal(t, f, a["object"])
}

func TestDeleteProducesTombstone(t *testing.T) {
	d := Delete("https://a.example/p/1", "Note", "https://a.example/users/alice")
	assert.Equal(t, "Delete", d["type"])
	tomb, ok := d["object"].(Doc)
	require.True(t, ok)
	assert.Equal(t, "Tombstone", tomb["type"])
	assert.Equal(t, "Note", tomb["formerType"])
}

func TestMsgNoteAddressingPublic(t *testing.T) {
	resolve := func(token string) (string, bool) {
		if token == "bob@remote.example" {
			return "https://remote.example/users/bob", true
		}
		return "", false
	}
	note := MsgNote(
		"https://a.example/p/1",
		"https://a.example/users/alice",
		"hello @bob@remote.example #golang",
		nil,
		nil,
		nil,
		ScopePublic,
		"https://a.example",
		"https://a.example/users/alice/followers",
		resolve,
	)
	to := note["to"].([]string)
	cc := note["cc"].([]string)
	assert.Contains(t, to, PublicURI)
	assert.Contains(t, cc, "https://a.example/users/alice/followers")
	assert.Contains(t, cc, "https://remote.example/users/bob")
	tags, ok := note["tag"].([]interface{})
	require.True(t, ok)
	assert.Len(t, tags, 2)
}

func TestMsgNotePropagatesConversation(t *testing.T) {
	parent := Doc{
		"id":           "https://a.example/p/parent",
		"context":      "https://a.example/ctx/1",
		"conversation": "https://a.example/ctx/1",
	}
	resolve := func(string) (string, bool) { return "", false }
	note := MsgNote("https://a.example/p/2", "https://a.example/users/alice", "reply", nil, parent, nil, ScopeUnlisted, "https://a.example", "https://a.example/users/alice/followers", resolve)
	assert.Equal(t, parent["id"], note["inReplyTo"])
	assert.Equal(t, parent["context"], note["context"])
}

func TestMsgQuestionOneOf(t *testing.T) {
	end := time.Now().Add(time.Minute)
	q := MsgQuestion("https://a.example/p/q1", "https://a.example/users/alice", "A or B?", nil, []string{"A", "B"}, true, end, ScopePublic, "https://a.example/users/alice/followers")
	oneOf, ok := q["oneOf"].([]interface{})
	require.True(t, ok)
	assert.Len(t, oneOf, 2)
	assert.Equal(t, 0, q["votersCount"])
}

func TestViewActivitySelfEcho(t *testing.T) {
	doc := Doc{
		"id":     "https://a.example/act/1",
		"type":   "Like",
		"actor":  "https://a.example/users/alice",
		"object": "https://a.example/p/1",
	}
	v := ViewActivity(doc)
	assert.Equal(t, "https://a.example/users/alice", v.Actor)
	assert.Equal(t, "https://a.example/p/1", v.ObjectID)
}

func TestAttributedToPicksFirstEntry(t *testing.T) {
	doc := Doc{"attributedTo": []interface{}{"https://a.example/users/alice", "https://a.example/bot"}}
	assert.Equal(t, "https://a.example/users/alice", AttributedTo(doc))
}

func TestHasPublic(t *testing.T) {
	assert.True(t, HasPublic([]string{"https://other", PublicURI}))
	assert.False(t, HasPublic([]string{"https://other"}))
}
