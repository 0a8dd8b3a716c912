package presence

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sockethub/sockethub/pkg/identity"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
	frames [][]byte
}

func (r *recorder) publish(topic string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	buf := make([]byte, len(data))
	copy(buf, data)
	r.frames = append(r.frames, buf)
	return nil
}

func TestTrackerTrackUntrack(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker("room", rec.publish)

	tr.Track(identity.Identity{ID: "u1", Name: "Alice"}, map[string]any{"device": "web"})
	require.Equal(t, 1, tr.Count())

	info, ok := tr.Get("u1")
	require.True(t, ok)
	require.Equal(t, "Alice", info.Name)
	require.Equal(t, "room", info.Channel)
	require.False(t, info.JoinedAt.IsZero())
	require.Equal(t, map[string]any{"device": "web"}, info.Metas)

	tr.Untrack("u1")
	require.Zero(t, tr.Count())
	_, ok = tr.Get("u1")
	require.False(t, ok)

	// Absent clients untrack as a no-op, no announcement.
	tr.Untrack("ghost")

	require.Equal(t, []string{"room" + TopicSuffix, "room" + TopicSuffix}, rec.topics)

	var joined announcement
	require.NoError(t, json.Unmarshal(rec.frames[0], &joined))
	require.Equal(t, "join", joined.Type)
	require.Equal(t, "u1", joined.Info.ID)

	var left announcement
	require.NoError(t, json.Unmarshal(rec.frames[1], &left))
	require.Equal(t, "leave", left.Type)
}

func TestTrackerNilPublisherStaysLocal(t *testing.T) {
	tr := NewTracker("room", nil)
	tr.Track(identity.Identity{ID: "u1"}, nil)
	tr.Untrack("u1")
	require.Zero(t, tr.Count())
}

func TestTrackerHandlers(t *testing.T) {
	tr := NewTracker("room", nil)

	var joins, leaves []string
	tr.OnJoin(func(info Info) { joins = append(joins, info.ID) })
	tr.OnLeave(func(info Info) { leaves = append(leaves, info.ID) })

	tr.Track(identity.Identity{ID: "u1"}, nil)
	tr.Track(identity.Identity{ID: "u2"}, nil)
	tr.Untrack("u1")

	require.Equal(t, []string{"u1", "u2"}, joins)
	require.Equal(t, []string{"u1"}, leaves)
}

func TestTrackerDiff(t *testing.T) {
	tr := NewTracker("room", nil)
	tr.Track(identity.Identity{ID: "u1"}, nil)
	tr.Track(identity.Identity{ID: "u2"}, nil)

	snapshot := tr.List()
	require.Len(t, snapshot, 2)
	require.True(t, tr.Diff(snapshot).IsEmpty())

	tr.Untrack("u1")
	tr.Track(identity.Identity{ID: "u3"}, nil)

	diff := tr.Diff(snapshot)
	require.False(t, diff.IsEmpty())
	require.Len(t, diff.Joins, 1)
	require.Equal(t, "u3", diff.Joins[0].ID)
	require.Len(t, diff.Leaves, 1)
	require.Equal(t, "u1", diff.Leaves[0].ID)
}

func TestManager(t *testing.T) {
	m := NewManager(nil)

	a := m.GetOrCreate("a")
	require.Same(t, a, m.GetOrCreate("a"))

	m.GetOrCreate("b")
	require.ElementsMatch(t, []string{"a", "b"}, m.Channels())

	m.Remove("a")
	require.Equal(t, []string{"b"}, m.Channels())

	// A removed channel gets a fresh tracker on next access.
	require.NotSame(t, a, m.GetOrCreate("a"))
}
