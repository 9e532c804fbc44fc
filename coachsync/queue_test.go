package coachsync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueFIFO(t *testing.T) {
	db := newTestDB(t)
	q := newQueue(db)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, TypeSessions, id, OpCreate, json.RawMessage(`{"id":"`+id+`"}`))
		require.NoError(t, err)
	}

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, "a", ops[0].EntityID)
	require.Equal(t, "b", ops[1].EntityID)
	require.Equal(t, "c", ops[2].EntityID)
	require.Less(t, ops[0].OpID, ops[1].OpID)
}

// Two offline edits coalesce: the queue still holds exactly one operation
// for the entity, containing the second edit's payload.
func TestQueueCoalescesUpdates(t *testing.T) {
	db := newTestDB(t)
	q := newQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeSessions, "s1", OpUpdate, json.RawMessage(`{"edit":1}`))
	require.NoError(t, err)
	res, err := q.Enqueue(ctx, TypeSessions, "s1", OpUpdate, json.RawMessage(`{"edit":2}`))
	require.NoError(t, err)
	require.True(t, res.Coalesced)

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.JSONEq(t, `{"edit":2}`, string(ops[0].Snapshot))
	require.Equal(t, OpUpdate, ops[0].Kind)
}

// An update over a queued create keeps the create kind: the server has
// never seen the entity, so it must still arrive as a create.
func TestQueueUpdateOverCreateStaysCreate(t *testing.T) {
	db := newTestDB(t)
	q := newQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeSessions, "s1", OpCreate, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, TypeSessions, "s1", OpUpdate, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	op, ok, err := q.PendingFor(ctx, TypeSessions, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, OpCreate, op.Kind)
	require.JSONEq(t, `{"v":2}`, string(op.Snapshot))
}

// Deleting an entity whose create was never sent drops everything: no queue
// entry remains and the caller is told no network operation is needed.
func TestQueueDeleteCancelsUnsentCreate(t *testing.T) {
	db := newTestDB(t)
	q := newQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeSessions, "s1", OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)

	res, err := q.Enqueue(ctx, TypeSessions, "s1", OpDelete, nil)
	require.NoError(t, err)
	require.True(t, res.Dropped)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// Once the create has been attempted it may have reached the server, so a
// delete must go out on the wire instead of being dropped.
func TestQueueDeleteAfterAttemptedCreate(t *testing.T) {
	db := newTestDB(t)
	q := newQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeSessions, "s1", OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	op, ok, err := q.PendingFor(ctx, TypeSessions, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.MarkAttempt(ctx, op.OpID, "network unreachable"))

	res, err := q.Enqueue(ctx, TypeSessions, "s1", OpDelete, nil)
	require.NoError(t, err)
	require.False(t, res.Dropped)
	require.True(t, res.Coalesced)

	op, ok, err = q.PendingFor(ctx, TypeSessions, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, OpDelete, op.Kind)
	require.Nil(t, op.Snapshot)
}

// A delete over a queued update becomes the sole operation for the entity.
func TestQueueDeleteSupersedesUpdate(t *testing.T) {
	db := newTestDB(t)
	q := newQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeSessions, "s1", OpUpdate, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	res, err := q.Enqueue(ctx, TypeSessions, "s1", OpDelete, nil)
	require.NoError(t, err)
	require.False(t, res.Dropped)

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, OpDelete, ops[0].Kind)
}

func TestQueueAckIsConditional(t *testing.T) {
	db := newTestDB(t)
	q := newQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeSessions, "s1", OpUpdate, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	op, _, err := q.PendingFor(ctx, TypeSessions, "s1")
	require.NoError(t, err)

	// A newer edit coalesces in while the push is in flight.
	_, err = q.Enqueue(ctx, TypeSessions, "s1", OpUpdate, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	removed, err := q.Ack(ctx, op)
	require.NoError(t, err)
	require.False(t, removed, "superseded op must survive the ack")

	// With the snapshot unchanged the ack removes the entry.
	op, _, err = q.PendingFor(ctx, TypeSessions, "s1")
	require.NoError(t, err)
	removed, err = q.Ack(ctx, op)
	require.NoError(t, err)
	require.True(t, removed)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// A failed operation keeps its queue position; it is not pushed to the back
// behind newer unrelated operations.
func TestQueueFailureKeepsPosition(t *testing.T) {
	db := newTestDB(t)
	q := newQueue(db)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeSessions, "a", OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, TypeSessions, "b", OpCreate, json.RawMessage(`{}`))
	require.NoError(t, err)

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkAttempt(ctx, ops[0].OpID, "remote returned status 503"))

	ops, err = q.List(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", ops[0].EntityID)
	require.Equal(t, 1, ops[0].Attempts)
	require.Equal(t, "remote returned status 503", ops[0].LastError)

	max, err := q.MaxAttempts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, max)
}

// The queue survives restarts: a fresh Queue over the same database sees
// every operation recorded before.
func TestQueueDurableAcrossRestart(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	q := newQueue(db)
	_, err := q.Enqueue(ctx, TypeTemplates, "t1", OpCreate, json.RawMessage(`{"name":"GROW"}`))
	require.NoError(t, err)

	reopened := newQueue(db)
	ops, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "t1", ops[0].EntityID)
}
