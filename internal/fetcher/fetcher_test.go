package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/userstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T) (*Fetcher, *objectstore.Store, *userstore.Instance) {
	t.Helper()
	dir := t.TempDir()
	objs, err := objectstore.New(dir)
	require.NoError(t, err)
	inst, err := userstore.NewInstance(dir)
	require.NoError(t, err)
	return New("https://local.example", "apfed-test/1.0", 2*time.Second, objs, inst), objs, inst
}

func TestFetchValidatesContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"` + r.Host + `","type":"Note"}`))
	}))
	defer server.Close()

	f, _, _ := newTestFetcher(t)
	status, obj, err := f.Fetch(context.Background(), server.URL+"/p/1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "Note", obj["type"])
}

func TestFetchRejectsWrongContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html></html>`))
	}))
	defer server.Close()

	f, _, _ := newTestFetcher(t)
	status, _, err := f.Fetch(context.Background(), server.URL+"/p/1", nil)
	assert.Error(t, err)
	assert.Equal(t, StatusError, status)
}

func TestFetchFallsBackToUnsignedOn5xx(t *testing.T) {
	var signedAttempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Signature") != "" {
			atomic.AddInt32(&signedAttempts, 1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"x","type":"Note"}`))
	}))
	defer server.Close()

	f, _, _ := newTestFetcher(t)
	dir := t.TempDir()
	objs, _ := objectstore.New(dir)
	userstoreFor := userstore.New(dir, objs)
	u, err := userstoreFor.Create("alice", "https://local.example/users/alice", userstore.Profile{})
	require.NoError(t, err)

	status, obj, err := f.Fetch(context.Background(), server.URL+"/p/1", u)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "Note", obj["type"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&signedAttempts))
}

func TestActorFetchStaleAfterThreshold(t *testing.T) {
	f, objs, _ := newTestFetcher(t)
	actorID := "https://remote.example/users/bob"
	_, err := objs.Put(actorID, map[string]interface{}{"id": actorID, "type": "Person"}, false)
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, chtimesObject(objs, actorID, old))

	status, _, err := f.ActorFetch(context.Background(), actorID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, status)
}

func chtimesObject(objs *objectstore.Store, id string, when time.Time) error {
	return objs.TouchAt(id, when)
}
