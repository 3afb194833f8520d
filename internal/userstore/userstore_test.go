package userstore

import (
	"testing"

	"github.com/klppl/apfed/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *objectstore.Store) {
	t.Helper()
	dir := t.TempDir()
	objs, err := objectstore.New(dir)
	require.NoError(t, err)
	return New(dir, objs), objs
}

func TestCreateAndOpenUser(t *testing.T) {
	s, _ := newTestStore(t)
	u, err := s.Create("alice", "https://a.example/users/alice", Profile{Name: "Alice"})
	require.NoError(t, err)
	assert.NotNil(t, u.Keys)

	reopened, err := s.Open("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", reopened.Profile.Name)
	assert.Equal(t, u.Actor, reopened.Actor)
}

func TestCreateDuplicateFails(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create("alice", "https://a.example/users/alice", Profile{})
	require.NoError(t, err)
	_, err = s.Create("alice", "https://a.example/users/alice", Profile{})
	assert.Error(t, err)
}

func TestFollowAcceptLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	alice, err := s.Create("alice", "https://a.example/users/alice", Profile{})
	require.NoError(t, err)

	bob := "https://b.example/users/bob"
	follow := map[string]interface{}{"id": "https://a.example/users/alice#follow-1", "type": "Follow", "actor": alice.Actor, "object": bob}
	require.NoError(t, alice.Put(RelFollowing, bob, follow))
	assert.False(t, alice.Follows(bob))

	accept := map[string]interface{}{"id": "https://b.example#accept-1", "type": "Accept", "actor": bob, "object": follow}
	require.NoError(t, alice.Put(RelFollowing, bob, accept))
	assert.True(t, alice.Follows(bob))

	following, err := alice.FollowingList()
	require.NoError(t, err)
	assert.Contains(t, following, bob)

	require.NoError(t, alice.Remove(RelFollowing, bob))
	assert.False(t, alice.Follows(bob))
}

func TestTimelineLinksAndOrders(t *testing.T) {
	s, objs := newTestStore(t)
	alice, err := s.Create("alice", "https://a.example/users/alice", Profile{})
	require.NoError(t, err)

	id1 := "https://a.example/p/1"
	id2 := "https://a.example/p/2"
	_, err = objs.Put(id1, map[string]interface{}{"id": id1, "type": "Note"}, false)
	require.NoError(t, err)
	_, err = objs.Put(id2, map[string]interface{}{"id": id2, "type": "Note"}, false)
	require.NoError(t, err)

	require.NoError(t, alice.AddToTimeline(TimelinePublic, objectstore.Digest(id1)))
	require.NoError(t, alice.AddToTimeline(TimelinePublic, objectstore.Digest(id2)))

	entries, err := alice.Timeline(TimelinePublic, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestInstanceBlockAndSharedInbox(t *testing.T) {
	dir := t.TempDir()
	in, err := NewInstance(dir)
	require.NoError(t, err)

	require.NoError(t, in.AddSharedInbox("https://b.example/inbox", "b.example"))
	inboxes, err := in.SharedInboxes()
	require.NoError(t, err)
	assert.Contains(t, inboxes, "https://b.example/inbox")

	require.NoError(t, in.BlockInstance("evil.example"))
	assert.True(t, in.IsBlocked("evil.example"))
	require.NoError(t, in.AddSharedInbox("https://evil.example/inbox", "evil.example"))
	inboxes, err = in.SharedInboxes()
	require.NoError(t, err)
	assert.NotContains(t, inboxes, "https://evil.example/inbox")
}

func TestPublicTimelineDedup(t *testing.T) {
	dir := t.TempDir()
	in, err := NewInstance(dir)
	require.NoError(t, err)

	require.NoError(t, in.AddToPublicTimeline("deadbeef"))
	require.NoError(t, in.AddToPublicTimeline("deadbeef"))

	tl, err := in.PublicTimeline()
	require.NoError(t, err)
	assert.Equal(t, []string{"deadbeef"}, tl)
}
