package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/biolink/internal/domain"
)

type clock struct {
	t time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var profileRef = domain.Ref{Collection: "profiles", ID: "p1"}

func TestMemory_WriteAndRead(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := NewMemory()
	m.SetClock(clk.now)

	require.NoError(t, m.WriteOne(ctx, profileRef, domain.Document{
		"username":   "alice",
		"id":         "ignored",
		"updated_at": "client-value",
	}, false))

	doc, err := m.ReadOne(ctx, profileRef)
	require.NoError(t, err)
	assert.Equal(t, "p1", doc["id"])
	assert.Equal(t, "alice", doc["username"])
	assert.Equal(t, clk.t.Format(time.RFC3339Nano), doc["created_at"])
	assert.Equal(t, clk.t.Format(time.RFC3339Nano), doc["updated_at"])

	created := doc["created_at"]
	clk.advance(time.Minute)
	require.NoError(t, m.WriteOne(ctx, profileRef, domain.Document{"username": "alice2"}, false))

	doc, err = m.ReadOne(ctx, profileRef)
	require.NoError(t, err)
	assert.Equal(t, created, doc["created_at"], "creation time survives a full overwrite")
	assert.Equal(t, clk.t.Format(time.RFC3339Nano), doc["updated_at"])
}

func TestMemory_MergeAndIncrement(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.WriteOne(ctx, profileRef, domain.Document{"a": 1.0, "views": 2.0}, false))
	require.NoError(t, m.WriteOne(ctx, profileRef, domain.Document{"b": "x"}, true))
	require.NoError(t, m.UpdateOne(ctx, profileRef, domain.Document{"views": domain.Increment{Delta: 3}}))

	doc, err := m.ReadOne(ctx, profileRef)
	require.NoError(t, err)
	assert.Equal(t, 1.0, doc["a"])
	assert.Equal(t, "x", doc["b"])
	assert.Equal(t, 5.0, doc["views"])
}

func TestMemory_IncrementOnFullWriteStartsFromZero(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.WriteOne(ctx, profileRef, domain.Document{"views": 10.0}, false))
	require.NoError(t, m.WriteOne(ctx, profileRef, domain.Document{"views": domain.Increment{Delta: 1}}, false))

	doc, err := m.ReadOne(ctx, profileRef)
	require.NoError(t, err)
	assert.Equal(t, 1.0, doc["views"])
}

func TestMemory_UpdateMissing(t *testing.T) {
	err := NewMemory().UpdateOne(context.Background(), profileRef, domain.Document{"a": 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.WriteOne(ctx, profileRef, domain.Document{"a": 1}, false))
	require.NoError(t, m.DeleteOne(ctx, profileRef))
	require.NoError(t, m.DeleteOne(ctx, profileRef))

	_, err := m.ReadOne(ctx, profileRef)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_Unavailable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetAvailable(false)

	_, err := m.ReadOne(ctx, profileRef)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.ErrorIs(t, m.WriteOne(ctx, profileRef, domain.Document{}, false), domain.ErrUnavailable)
	assert.ErrorIs(t, m.Ping(ctx), domain.ErrUnavailable)
	assert.Equal(t, 1, m.Calls("read"))

	m.SetAvailable(true)
	assert.NoError(t, m.Ping(ctx))
}

func TestMemory_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	linkRef := domain.Ref{Collection: "links", ID: "l1"}

	err := m.BatchWrite(ctx, []domain.WriteOp{
		{Kind: domain.WriteSet, Ref: profileRef, Data: domain.Document{"a": 1}},
		{Kind: domain.WriteUpdate, Ref: linkRef, Data: domain.Document{"b": 2}},
	})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = m.ReadOne(ctx, profileRef)
	assert.ErrorIs(t, err, domain.ErrNotFound, "first op must not be committed")

	require.NoError(t, m.BatchWrite(ctx, []domain.WriteOp{
		{Kind: domain.WriteSet, Ref: linkRef, Data: domain.Document{"b": 1.0}},
		{Kind: domain.WriteUpdate, Ref: linkRef, Data: domain.Document{"b": domain.Increment{Delta: 1}}},
		{Kind: domain.WriteSet, Ref: profileRef, Data: domain.Document{"a": 1.0}},
		{Kind: domain.WriteDelete, Ref: profileRef},
	}))

	doc, err := m.ReadOne(ctx, linkRef)
	require.NoError(t, err)
	assert.Equal(t, 2.0, doc["b"])
	_, err = m.ReadOne(ctx, profileRef)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_BatchRejectsInvalidRef(t *testing.T) {
	err := NewMemory().BatchWrite(context.Background(), []domain.WriteOp{
		{Kind: domain.WriteSet, Ref: domain.Ref{Collection: "links"}, Data: domain.Document{}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRef)
}

func TestMemory_Listen(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var changes []domain.Change
	stop, err := m.Listen(ctx, profileRef, func(c domain.Change, err error) {
		require.NoError(t, err)
		changes = append(changes, c)
	})
	require.NoError(t, err)

	require.Len(t, changes, 1, "initial state is delivered before Listen returns")
	assert.False(t, changes[0].Exists)

	require.NoError(t, m.WriteOne(ctx, profileRef, domain.Document{"a": 1.0}, false))
	require.Len(t, changes, 2)
	assert.True(t, changes[1].Exists)
	assert.Equal(t, 1.0, changes[1].Doc["a"])
	assert.Equal(t, "p1", changes[1].Doc["id"])
	assert.False(t, changes[1].UpdatedAt.IsZero())

	require.NoError(t, m.DeleteOne(ctx, profileRef))
	require.Len(t, changes, 3)
	assert.False(t, changes[2].Exists)

	stop()
	stop()
	assert.Equal(t, 0, m.ListenerCount())

	require.NoError(t, m.WriteOne(ctx, profileRef, domain.Document{"a": 2.0}, false))
	assert.Len(t, changes, 3)
}

func TestMemory_ListenStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()

	_, err := m.Listen(ctx, profileRef, func(domain.Change, error) {})
	require.NoError(t, err)
	assert.Equal(t, 1, m.ListenerCount())

	cancel()
	assert.Eventually(t, func() bool { return m.ListenerCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemory_BreakListeners(t *testing.T) {
	m := NewMemory()
	boom := errors.New("connection reset")

	var got error
	_, err := m.Listen(context.Background(), profileRef, func(_ domain.Change, err error) {
		if err != nil {
			got = err
		}
	})
	require.NoError(t, err)

	m.BreakListeners(boom)
	assert.ErrorIs(t, got, boom)
	assert.Equal(t, 0, m.ListenerCount())
}

func TestMemory_QueryMany(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for id, pos := range map[string]float64{"a": 2, "b": 0, "c": 1} {
		ref := domain.Ref{Collection: "links", ID: id}
		require.NoError(t, m.WriteOne(ctx, ref, domain.Document{"profile_id": "p1", "position": pos}, false))
	}
	require.NoError(t, m.WriteOne(ctx, domain.Ref{Collection: "links", ID: "d"}, domain.Document{"profile_id": "p2", "position": 0.0}, false))

	docs, err := m.QueryMany(ctx, "links",
		[]domain.Filter{domain.Where("profile_id", domain.OpEqual, "p1")},
		&domain.OrderBy{Field: "position"}, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0]["id"])
	assert.Equal(t, "c", docs[1]["id"])
}
