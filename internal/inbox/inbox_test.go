package inbox

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
	"github.com/klppl/apfed/internal/userstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	delivered []activitypub.Doc
}

func (f *fakeOutbox) Deliver(ctx context.Context, from *userstore.User, activity activitypub.Doc, to string) error {
	f.delivered = append(f.delivered, activity)
	return nil
}

func newTestPipeline(t *testing.T, actorServer *httptest.Server) (*Pipeline, *objectstore.Store, *userstore.User, *fakeOutbox) {
	t.Helper()
	dir := t.TempDir()
	objs, err := objectstore.New(dir)
	require.NoError(t, err)
	inst, err := userstore.NewInstance(dir)
	require.NoError(t, err)
	users := userstore.New(dir, objs)
	alice, err := users.Create("alice", "https://local.example/users/alice", userstore.Profile{})
	require.NoError(t, err)

	base := "https://local.example"
	if actorServer != nil {
		base = actorServer.URL
	}
	f := fetcher.New(base, "apfed-test/1.0", 2*time.Second, objs, inst)
	ob := &fakeOutbox{}
	return &Pipeline{
		Objects:  objs,
		Instance: inst,
		Fetcher:  f,
		Outbox:   ob,
	}, objs, alice, ob
}

func actorDocFor(id string) activitypub.Doc {
	return activitypub.Doc{"id": id, "type": "Person", "inbox": id + "/inbox"}
}

func TestProcessFollowRecordsFollowerAndSendsAccept(t *testing.T) {
	var remote string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write(mustJSON(actorDocFor(remote)))
	}))
	defer server.Close()
	remote = server.URL + "/users/bob"

	p, _, alice, ob := newTestPipeline(t, server)
	follow := activitypub.Doc{
		"id": "https://remote.example/activities/1", "type": "Follow",
		"actor": remote, "object": alice.Actor,
	}

	decision := p.Process(context.Background(), alice, follow, nil)
	assert.Equal(t, Done, decision)
	assert.True(t, alice.FollowedBy(remote))
	require.Len(t, ob.delivered, 1)
	assert.Equal(t, "Accept", ob.delivered[0]["type"])
}

func TestProcessLikeIsIdempotent(t *testing.T) {
	var remote string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write(mustJSON(actorDocFor(remote)))
	}))
	defer server.Close()
	remote = server.URL + "/users/bob"

	p, objs, alice, _ := newTestPipeline(t, server)
	noteID := alice.Actor + "/p/1"
	_, err := objs.Put(noteID, activitypub.Doc{"id": noteID, "type": "Note", "attributedTo": alice.Actor}, false)
	require.NoError(t, err)

	like := activitypub.Doc{
		"id": "https://remote.example/activities/like1", "type": "Like",
		"actor": remote, "object": noteID,
	}

	for i := 0; i < 2; i++ {
		decision := p.Process(context.Background(), alice, like, nil)
		assert.Equal(t, Done, decision)
	}

	likes, err := objs.Likes(noteID)
	require.NoError(t, err)
	assert.Len(t, likes, 1)
}

func TestProcessRejectsStructurallyInvalidActivity(t *testing.T) {
	p, _, alice, _ := newTestPipeline(t, nil)
	bad := activitypub.Doc{"type": "Create"}
	decision := p.Process(context.Background(), alice, bad, nil)
	assert.Equal(t, Fatal, decision)
}

func TestProcessCreateReplyWalksConversation(t *testing.T) {
	remote := "https://remote.example/users/bob"
	root := remote + "/p/root"
	reply := remote + "/p/reply"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		switch r.URL.Path {
		case "/users/bob":
			w.Write(mustJSON(actorDocFor(remote)))
		case "/p/root":
			w.Write(mustJSON(activitypub.Doc{"id": root, "type": "Note", "attributedTo": remote}))
		}
	}))
	defer server.Close()

	remoteOnServer := server.URL + "/users/bob"
	rootOnServer := server.URL + "/p/root"
	replyOnServer := server.URL + "/p/reply"

	p, objs, alice, _ := newTestPipeline(t, server)
	require.NoError(t, alice.Put(userstore.RelFollowing, remoteOnServer, activitypub.Doc{"type": "Accept"}))

	create := activitypub.Doc{
		"id": "https://remote.example/activities/create1", "type": "Create",
		"actor": remoteOnServer,
		"object": activitypub.Doc{
			"id": replyOnServer, "type": "Note", "attributedTo": remoteOnServer,
			"inReplyTo": rootOnServer,
			"to":        []string{activitypub.PublicURI},
		},
	}

	decision := p.Process(context.Background(), alice, create, nil)
	assert.Equal(t, Done, decision)
	assert.True(t, objs.Exists(rootOnServer))
	assert.True(t, objs.Exists(replyOnServer))
}

func TestProcessRejectsBadSignature(t *testing.T) {
	var remote string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write(mustJSON(actorDocFor(remote)))
	}))
	defer server.Close()
	remote = server.URL + "/users/bob"

	p, _, alice, _ := newTestPipeline(t, server)
	p.ErrorDir = t.TempDir()
	follow := activitypub.Doc{
		"id": "https://remote.example/activities/2", "type": "Follow",
		"actor": remote, "object": alice.Actor,
	}

	req := httptest.NewRequest(http.MethodPost, "https://local.example/users/alice/inbox", nil)
	req.Header.Set("Signature", `keyId="https://remote.example/users/bob#main-key",algorithm="rsa-sha256",headers="(request-target) host date",signature="bogus"`)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	decision := p.Process(context.Background(), alice, follow, req)
	assert.Equal(t, Fatal, decision)
}

func TestHandleMoveRequiresAlsoKnownAs(t *testing.T) {
	var oldActor, newActor string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		switch r.URL.Path {
		case "/users/bob2":
			w.Write(mustJSON(activitypub.Doc{"id": newActor, "type": "Person", "alsoKnownAs": []string{oldActor}}))
		default:
			w.Write(mustJSON(actorDocFor(oldActor)))
		}
	}))
	defer server.Close()
	oldActor = server.URL + "/users/bob"
	newActor = server.URL + "/users/bob2"

	p, _, alice, ob := newTestPipeline(t, server)
	require.NoError(t, alice.Put(userstore.RelFollowing, oldActor, activitypub.Doc{"id": "f1", "type": "Accept", "actor": oldActor}))

	move := activitypub.Doc{
		"id": server.URL + "/activities/move1", "type": "Move",
		"actor": oldActor, "object": oldActor, "target": newActor,
	}
	act := activitypub.ViewActivity(move)
	decision := p.handleMove(context.Background(), alice, act)
	assert.Equal(t, Done, decision)
	assert.True(t, alice.Follows(newActor))
	assert.False(t, alice.Follows(oldActor))
	assert.Len(t, ob.delivered, 2)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
