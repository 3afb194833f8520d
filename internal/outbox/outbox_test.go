package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/fetcher"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/userstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T) (*Sender, *userstore.User) {
	t.Helper()
	dir := t.TempDir()
	objs, err := objectstore.New(dir)
	require.NoError(t, err)
	inst, err := userstore.NewInstance(dir)
	require.NoError(t, err)
	users := userstore.New(dir, objs)
	alice, err := users.Create("alice", "https://local.example/users/alice", userstore.Profile{})
	require.NoError(t, err)

	f := fetcher.New("https://local.example", "apfed-test/1.0", 2*time.Second, objs, inst)
	return &Sender{Fetcher: f, LocalBase: "https://local.example"}, alice
}

func TestDistributeDedupesSharedInbox(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		base := "http://" + r.Host
		switch r.URL.Path {
		case "/users/bob":
			hits++
			json.NewEncoder(w).Encode(activitypub.Doc{
				"id": base + "/users/bob", "type": "Person", "inbox": base + "/users/bob/inbox",
				"endpoints": activitypub.Doc{"sharedInbox": base + "/inbox"},
			})
		case "/users/carol":
			hits++
			json.NewEncoder(w).Encode(activitypub.Doc{
				"id": base + "/users/carol", "type": "Person", "inbox": base + "/users/carol/inbox",
				"endpoints": activitypub.Doc{"sharedInbox": base + "/inbox"},
			})
		}
	}))
	defer server.Close()

	s, alice := newTestSender(t)
	activity := activitypub.Doc{
		"id": "https://local.example/activities/1", "type": "Create",
		"actor": alice.Actor,
		"to":    []string{server.URL + "/users/bob", server.URL + "/users/carol"},
	}

	err := s.Distribute(context.Background(), alice, activity, alice.Actor+"/followers")
	require.NoError(t, err)
	assert.Equal(t, 2, hits)

	q, err := queue.New(alice.QueueDir())
	require.NoError(t, err)
	due, err := q.Due(time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, server.URL+"/inbox", due[0].Item.Inbox)
}

func TestDeliverSingleRecipient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		base := "http://" + r.Host
		json.NewEncoder(w).Encode(activitypub.Doc{
			"id": base + "/users/bob", "type": "Person", "inbox": base + "/users/bob/inbox",
		})
	}))
	defer server.Close()

	s, alice := newTestSender(t)
	accept := activitypub.Doc{"id": "https://local.example/activities/accept1", "type": "Accept"}

	err := s.Deliver(context.Background(), alice, accept, server.URL+"/users/bob")
	require.NoError(t, err)

	q, err := queue.New(alice.QueueDir())
	require.NoError(t, err)
	due, err := q.Due(time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, server.URL+"/users/bob/inbox", due[0].Item.Inbox)
}
