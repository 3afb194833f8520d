package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/config"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/queue"
	"github.com/klppl/apfed/internal/userstore"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *userstore.Store, *objectstore.Store) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults(dir)
	cfg.Host = "a.example"

	objs, err := objectstore.New(dir)
	require.NoError(t, err)
	users := userstore.New(dir, objs)
	instance, err := userstore.NewInstance(dir)
	require.NoError(t, err)
	global, err := queue.New(dir + "/global-queue")
	require.NoError(t, err)

	return New(cfg, users, instance, objs, global), users, objs
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}

func TestHandleActorRequiresActivityJSON(t *testing.T) {
	s, users, _ := newTestServer(t)
	_, err := users.Create("alice", "https://a.example/alice", userstore.Profile{Name: "Alice"})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/alice", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 406, w.Code)

	req = httptest.NewRequest("GET", "/alice", nil)
	req.Header.Set("Accept", activityJSONType)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, "https://a.example/alice", doc["id"])
}

func TestHandleActorUnknownUser(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/ghost", nil)
	req.Header.Set("Accept", activityJSONType)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 404, w.Code)
}

func TestHandleInboxEnqueuesAndReturns202(t *testing.T) {
	s, users, _ := newTestServer(t)
	_, err := users.Create("alice", "https://a.example/alice", userstore.Profile{})
	require.NoError(t, err)

	body := `{"id":"https://b.example/act/1","type":"Follow","actor":"https://b.example/bob","object":"https://a.example/alice"}`
	req := httptest.NewRequest("POST", "/alice/inbox", strings.NewReader(body))
	req.Header.Set("Content-Type", activityJSONType)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 202, w.Code)

	user, err := users.Open("alice")
	require.NoError(t, err)
	q, err := queue.New(user.QueueDir())
	require.NoError(t, err)
	entries, err := q.Due(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandleSharedInboxEnqueuesGlobally(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := `{"id":"https://b.example/act/2","type":"Create","actor":"https://b.example/bob","object":{"type":"Note","id":"https://b.example/p/1"}}`
	req := httptest.NewRequest("POST", "/shared-inbox", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 202, w.Code)

	entries, err := s.global.Due(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandleFollowersCountOnly(t *testing.T) {
	s, users, _ := newTestServer(t)
	alice, err := users.Create("alice", "https://a.example/alice", userstore.Profile{})
	require.NoError(t, err)
	require.NoError(t, alice.Put(userstore.RelFollowers, "https://b.example/bob", map[string]interface{}{"id": "x"}))

	req := httptest.NewRequest("GET", "/alice/followers", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, float64(1), doc["totalItems"])
	items, ok := doc["orderedItems"].([]interface{})
	require.True(t, ok)
	require.Empty(t, items)
}

func TestHandleNotePublicVsPrivate(t *testing.T) {
	s, users, objs := newTestServer(t)
	alice, err := users.Create("alice", "https://a.example/alice", userstore.Profile{})
	require.NoError(t, err)

	publicID := alice.Actor + "/p/1"
	_, err = objs.Put(publicID, map[string]interface{}{
		"id": publicID, "type": "Note",
		"to": []interface{}{activitypub.PublicURI},
	}, false)
	require.NoError(t, err)

	privateID := alice.Actor + "/p/2"
	_, err = objs.Put(privateID, map[string]interface{}{
		"id": privateID, "type": "Note",
		"to": []interface{}{"https://b.example/bob"},
	}, false)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/alice/p/1", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/alice/p/2", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 404, w.Code)
}

func TestHandleOutboxRootAndPage(t *testing.T) {
	s, users, objs := newTestServer(t)
	alice, err := users.Create("alice", "https://a.example/alice", userstore.Profile{})
	require.NoError(t, err)

	noteID := alice.Actor + "/p/1"
	_, err = objs.Put(noteID, map[string]interface{}{
		"id": noteID, "type": "Note",
		"to": []interface{}{activitypub.PublicURI},
	}, false)
	require.NoError(t, err)
	require.NoError(t, alice.AddToTimeline(userstore.TimelinePublic, objectstore.Digest(noteID)))

	req := httptest.NewRequest("GET", "/alice/outbox", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
	var root map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &root))
	require.Equal(t, float64(1), root["totalItems"])

	req = httptest.NewRequest("GET", "/alice/outbox?page=true", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
	var page map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	items, ok := page["orderedItems"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 1)
}
