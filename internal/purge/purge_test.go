package purge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klppl/apfed/internal/config"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/userstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFixtures(t *testing.T) (*config.Config, *userstore.Store, *objectstore.Store, *userstore.Instance) {
	t.Helper()
	dir := t.TempDir()
	objs, err := objectstore.New(dir)
	require.NoError(t, err)
	users := userstore.New(dir, objs)
	instance, err := userstore.NewInstance(dir)
	require.NoError(t, err)
	cfg := config.Defaults(dir)
	return cfg, users, objs, instance
}

// backdate rewrites a timeline entry's modification time so it looks like it
// was cached days ago, without needing to wait for real time to pass.
func backdate(t *testing.T, user *userstore.User, tl userstore.Timeline, digest string, age time.Duration) {
	t.Helper()
	path := filepath.Join(user.Dir(), string(tl), digest+".json")
	when := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, when, when))
}

func TestSweepLeavesFreshEntriesAlone(t *testing.T) {
	cfg, users, objs, instance := newTestFixtures(t)
	cfg.TimelinePurgeDays = 30
	alice, err := users.Create("alice", "https://a.example/users/alice", userstore.Profile{})
	require.NoError(t, err)

	id := "https://b.example/p/1"
	_, err = objs.Put(id, map[string]interface{}{"id": id, "type": "Note", "attributedTo": "https://b.example/users/bob"}, false)
	require.NoError(t, err)
	digest := objectstore.Digest(id)
	require.NoError(t, alice.AddToTimeline(userstore.TimelinePublic, digest))

	require.NoError(t, Sweep(cfg, users, objs, instance))

	entries, err := alice.Timeline(userstore.TimelinePublic, 0)
	require.NoError(t, err)
	assert.Contains(t, entries, digest)
}

func TestSweepRemovesExpiredRemoteEntry(t *testing.T) {
	cfg, users, objs, instance := newTestFixtures(t)
	cfg.TimelinePurgeDays = 30
	alice, err := users.Create("alice", "https://a.example/users/alice", userstore.Profile{})
	require.NoError(t, err)

	id := "https://b.example/p/1"
	_, err = objs.Put(id, map[string]interface{}{"id": id, "type": "Note", "attributedTo": "https://b.example/users/bob"}, false)
	require.NoError(t, err)
	digest := objectstore.Digest(id)
	require.NoError(t, alice.AddToTimeline(userstore.TimelinePublic, digest))
	backdate(t, alice, userstore.TimelinePublic, digest, 40*24*time.Hour)

	require.NoError(t, Sweep(cfg, users, objs, instance))

	entries, err := alice.Timeline(userstore.TimelinePublic, 0)
	require.NoError(t, err)
	assert.NotContains(t, entries, digest)
}

func TestSweepNeverTouchesLocalAuthorshipWhenLocalPurgeDaysZero(t *testing.T) {
	cfg, users, objs, instance := newTestFixtures(t)
	cfg.TimelinePurgeDays = 30
	cfg.LocalPurgeDays = 0
	alice, err := users.Create("alice", "https://a.example/users/alice", userstore.Profile{})
	require.NoError(t, err)

	id := alice.Actor + "/p/1"
	_, err = objs.Put(id, map[string]interface{}{"id": id, "type": "Note", "attributedTo": alice.Actor}, false)
	require.NoError(t, err)
	digest := objectstore.Digest(id)
	require.NoError(t, alice.AddToTimeline(userstore.TimelinePublic, digest))
	backdate(t, alice, userstore.TimelinePublic, digest, 365*24*time.Hour)

	require.NoError(t, Sweep(cfg, users, objs, instance))

	entries, err := alice.Timeline(userstore.TimelinePublic, 0)
	require.NoError(t, err)
	assert.Contains(t, entries, digest)
}

func TestSweepHonorsLocalPurgeDaysWhenSet(t *testing.T) {
	cfg, users, objs, instance := newTestFixtures(t)
	cfg.TimelinePurgeDays = 30
	cfg.LocalPurgeDays = 7
	alice, err := users.Create("alice", "https://a.example/users/alice", userstore.Profile{})
	require.NoError(t, err)

	id := alice.Actor + "/p/1"
	_, err = objs.Put(id, map[string]interface{}{"id": id, "type": "Note", "attributedTo": alice.Actor}, false)
	require.NoError(t, err)
	digest := objectstore.Digest(id)
	require.NoError(t, alice.AddToTimeline(userstore.TimelinePublic, digest))
	backdate(t, alice, userstore.TimelinePublic, digest, 10*24*time.Hour)

	require.NoError(t, Sweep(cfg, users, objs, instance))

	entries, err := alice.Timeline(userstore.TimelinePublic, 0)
	require.NoError(t, err)
	assert.NotContains(t, entries, digest)
}

func TestSweepCompactsPublicTimelineIndex(t *testing.T) {
	cfg, users, objs, instance := newTestFixtures(t)
	cfg.TimelinePurgeDays = 30
	alice, err := users.Create("alice", "https://a.example/users/alice", userstore.Profile{})
	require.NoError(t, err)

	keepID := alice.Actor + "/p/keep"
	_, err = objs.Put(keepID, map[string]interface{}{"id": keepID, "type": "Note", "attributedTo": alice.Actor}, false)
	require.NoError(t, err)
	keepDigest := objectstore.Digest(keepID)
	require.NoError(t, instance.AddToPublicTimeline(keepDigest))

	goneID := "https://b.example/p/gone"
	_, err = objs.Put(goneID, map[string]interface{}{"id": goneID, "type": "Note", "attributedTo": "https://b.example/users/bob"}, false)
	require.NoError(t, err)
	goneDigest := objectstore.Digest(goneID)
	require.NoError(t, instance.AddToPublicTimeline(goneDigest))
	require.NoError(t, alice.AddToTimeline(userstore.TimelinePublic, goneDigest))
	backdate(t, alice, userstore.TimelinePublic, goneDigest, 40*24*time.Hour)

	require.NoError(t, Sweep(cfg, users, objs, instance))

	published, err := instance.PublicTimeline()
	require.NoError(t, err)
	assert.Contains(t, published, keepDigest)
	assert.NotContains(t, published, goneDigest)
}

func TestSweepNoopWhenBothHorizonsDisabled(t *testing.T) {
	cfg, users, objs, instance := newTestFixtures(t)
	cfg.TimelinePurgeDays = 0
	cfg.LocalPurgeDays = 0
	alice, err := users.Create("alice", "https://a.example/users/alice", userstore.Profile{})
	require.NoError(t, err)

	id := "https://b.example/p/1"
	_, err = objs.Put(id, map[string]interface{}{"id": id, "type": "Note", "attributedTo": "https://b.example/users/bob"}, false)
	require.NoError(t, err)
	digest := objectstore.Digest(id)
	require.NoError(t, alice.AddToTimeline(userstore.TimelinePublic, digest))
	backdate(t, alice, userstore.TimelinePublic, digest, 365*24*time.Hour)

	require.NoError(t, Sweep(cfg, users, objs, instance))

	entries, err := alice.Timeline(userstore.TimelinePublic, 0)
	require.NoError(t, err)
	assert.Contains(t, entries, digest)
}
