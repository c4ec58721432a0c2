package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_MissThenPutThenHit(t *testing.T) {
	c := New(NewMemoryTier(), time.Minute)
	ctx := context.Background()

	_, ok := c.Get(ctx, "Acme Industries Limited")
	assert.False(t, ok)

	c.Put(ctx, "Acme Industries Limited", "recAAA")

	id, ok := c.Get(ctx, "Acme Industries Limited")
	require.True(t, ok)
	assert.Equal(t, "recAAA", id)
}

func TestCache_SharedHitPromotedToLocal(t *testing.T) {
	shared := NewMemoryTier()
	ctx := context.Background()
	require.NoError(t, shared.Set(ctx, "Beta Finance Limited", "recBBB", time.Minute))

	c := New(shared, time.Minute)
	id, ok := c.Get(ctx, "Beta Finance Limited")
	require.True(t, ok)
	assert.Equal(t, "recBBB", id)

	// Local tier keeps serving even after the shared entry expires.
	shared.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	id, ok = c.Get(ctx, "Beta Finance Limited")
	require.True(t, ok)
	assert.Equal(t, "recBBB", id)
}

func TestCache_NilSharedTier(t *testing.T) {
	c := New(nil, 0)
	ctx := context.Background()

	c.Put(ctx, "A Limited", "recA")
	id, ok := c.Get(ctx, "A Limited")
	require.True(t, ok)
	assert.Equal(t, "recA", id)
}

func TestMemoryTier_Expiry(t *testing.T) {
	m := NewMemoryTier()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
