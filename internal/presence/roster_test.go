package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRoster_EnumeratesOtherNodes(t *testing.T) {
	_, client := setupMiniRedis(t)
	ctx := context.Background()
	sid := uuid.New()
	user := uuid.New()

	nodeA := NewRedisRoster(client, "node-a", nil)
	nodeB := NewRedisRoster(client, "node-b", nil)

	require.NoError(t, nodeA.Track(ctx, sid, Conn{ID: "a1", UserID: user}))
	require.NoError(t, nodeB.Track(ctx, sid, Conn{ID: "b1", UserID: user}))
	require.NoError(t, nodeB.Track(ctx, sid, Conn{ID: "b2"}))

	fromA, err := nodeA.Connections(ctx, sid)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Conn{{ID: "b1", UserID: user}, {ID: "b2"}}, fromA)

	require.NoError(t, nodeB.Untrack(ctx, sid, "b2"))
	fromA, err = nodeA.Connections(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []Conn{{ID: "b1", UserID: user}}, fromA)

	require.NoError(t, nodeA.Clear(ctx, sid))
	fromB, err := nodeB.Connections(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, fromB)
}

func TestRedisRoster_ForgetDropsEveryNode(t *testing.T) {
	mr, client := setupMiniRedis(t)
	ctx := context.Background()
	sid := uuid.New()

	nodeA := NewRedisRoster(client, "node-a", nil)
	nodeB := NewRedisRoster(client, "node-b", nil)
	require.NoError(t, nodeA.Track(ctx, sid, Conn{ID: "a1"}))
	require.NoError(t, nodeB.Track(ctx, sid, Conn{ID: "b1"}))

	nodeA.Forget(sid)
	assert.False(t, mr.Exists(nodesKey(sid)))
	assert.False(t, mr.Exists(nodeKey(sid, "node-a")))
	assert.False(t, mr.Exists(nodeKey(sid, "node-b")))
}

type slowEnum struct{}

func (slowEnum) Connections(ctx context.Context, _ uuid.UUID) ([]Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClusterEnumerator_BestEffort(t *testing.T) {
	local := &fakeEnum{}
	local.set(Conn{ID: "1"}, Conn{ID: "2"})
	dup := &fakeEnum{}
	dup.set(Conn{ID: "2"}, Conn{ID: "3"})

	enum := NewClusterEnumerator(30*time.Millisecond, nil, local, dup, slowEnum{})
	start := time.Now()
	conns, err := enum.Connections(context.Background(), uuid.New())

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
	assert.ElementsMatch(t, []Conn{{ID: "1"}, {ID: "2"}, {ID: "3"}}, conns)
}
