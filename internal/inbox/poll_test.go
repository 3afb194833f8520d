package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/userstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPollClosure implements spec scenario S4: Alice creates a Question
// with a 60s endTime and options A/B; two remote actors vote A, one votes
// B; once endTime has passed, a recount closes the poll, tallies land at
// 2/1 with 3 distinct voters, and the local owner is notified exactly once.
func TestPollClosure(t *testing.T) {
	dir := t.TempDir()
	objs, err := objectstore.New(dir)
	require.NoError(t, err)
	users := userstore.New(dir, objs)
	alice, err := users.Create("alice", "https://local.example/alice", userstore.Profile{})
	require.NoError(t, err)

	questionID := alice.Actor + "/p/poll1"
	endTime := time.Now().Add(-time.Second) // already elapsed
	question := activitypub.MsgQuestion(questionID, alice.Actor, "pick one", nil, []string{"A", "B"}, true, endTime, activitypub.ScopePublic, alice.Actor+"/followers")
	_, err = objs.Put(questionID, question, false)
	require.NoError(t, err)

	votes := []struct{ actor, option string }{
		{"https://remote.example/users/bob", "A"},
		{"https://remote.example/users/carol", "A"},
		{"https://remote.example/users/dave", "B"},
	}
	for i, v := range votes {
		replyID := fmt.Sprintf("%s/p/vote%d", v.actor, i)
		reply := activitypub.Doc{
			"id": replyID, "type": "Note",
			"attributedTo": v.actor, "name": v.option, "inReplyTo": questionID,
		}
		_, err := objs.Put(replyID, reply, false)
		require.NoError(t, err)
	}

	var notified []activitypub.Doc
	pipeline := &Pipeline{
		Objects:   objs,
		LocalBase: "https://local.example",
		Notify: func(user *userstore.User, kind, subtype, actorURL string, activity activitypub.Doc) {
			assert.Equal(t, "poll_closed", kind)
			notified = append(notified, activity)
		},
	}

	msg, err := json.Marshal(questionID)
	require.NoError(t, err)
	handler := CloseQuestionHandler(pipeline, users)
	outcome := handler(context.Background(), &queue.Item{Kind: queue.KindCloseQuestion, Message: msg})
	assert.Equal(t, queue.OutcomeDone, outcome)

	require.Len(t, notified, 1)
	closed, err := objs.Get(questionID)
	require.NoError(t, err)
	note := activitypub.ViewNote(closed)
	assert.NotEmpty(t, note.Closed)
	assert.Equal(t, 3, note.VotersCount)
	require.Len(t, note.OneOf, 2)
	assert.Equal(t, 2, note.OneOf[0].TotalItems)
	assert.Equal(t, 1, note.OneOf[1].TotalItems)
}

// TestUpdateQuestionRecountsWithoutDoubleCounting ensures a second recount
// before endTime leaves tallies unchanged and does not close the poll early.
func TestUpdateQuestionRecountsWithoutDoubleCounting(t *testing.T) {
	dir := t.TempDir()
	objs, err := objectstore.New(dir)
	require.NoError(t, err)

	questionID := "https://local.example/users/alice/p/poll2"
	endTime := time.Now().Add(time.Hour)
	question := activitypub.MsgQuestion(questionID, "https://local.example/users/alice", "pick one", nil, []string{"A", "B"}, true, endTime, activitypub.ScopePublic, "https://local.example/users/alice/followers")
	_, err = objs.Put(questionID, question, false)
	require.NoError(t, err)

	replyID := "https://remote.example/users/bob/p/vote0"
	reply := activitypub.Doc{"id": replyID, "type": "Note", "attributedTo": "https://remote.example/users/bob", "name": "A", "inReplyTo": questionID}
	_, err = objs.Put(replyID, reply, false)
	require.NoError(t, err)

	justClosed, _, err := UpdateQuestion(objs, questionID)
	require.NoError(t, err)
	assert.False(t, justClosed)

	justClosed, _, err = UpdateQuestion(objs, questionID)
	require.NoError(t, err)
	assert.False(t, justClosed)

	stored, err := objs.Get(questionID)
	require.NoError(t, err)
	note := activitypub.ViewNote(stored)
	assert.Equal(t, 1, note.VotersCount)
	assert.Equal(t, 1, note.OneOf[0].TotalItems)
}
