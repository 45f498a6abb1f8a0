package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeLocker is a minimal Locker backed by a single mutex, enough to
// exercise Coordinator without pulling in pkg/store.
type fakeLocker struct {
	mu sync.Mutex
}

func (f *fakeLocker) Lock(key []byte) func() {
	f.mu.Lock()
	return f.mu.Unlock
}

func (f *fakeLocker) TryLock(key []byte) (func(), bool) {
	if !f.mu.TryLock() {
		return nil, false
	}
	return f.mu.Unlock, true
}

func TestAcquireThenUnlockAllowsNextAcquire(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	l := &fakeLocker{}
	req := Request{DB: "locking.tdb", Key: "k", Priority: 1}

	h, err := c.Acquire(context.Background(), l, req)
	require.NoError(t, err)
	h.Unlock()

	h2, acquired := c.TryAcquire(l, req)
	require.True(t, acquired)
	require.NotNil(t, h2)
	h2.Unlock()
}

func TestTryAcquireFailsWhileHeld(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	l := &fakeLocker{}
	req := Request{DB: "locking.tdb", Key: "k"}

	h, err := c.Acquire(context.Background(), l, req)
	require.NoError(t, err)
	defer h.Unlock()

	_, gotLock := c.TryAcquire(l, req)
	require.False(t, gotLock)
}

func TestAcquireCanceledByContext(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	l := &fakeLocker{}
	req := Request{DB: "locking.tdb", Key: "k"}

	holder, err := c.Acquire(context.Background(), l, req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Acquire(ctx, l, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	holder.Unlock()
}

func TestMarkToggles(t *testing.T) {
	h := &Handle{}
	require.False(t, h.Marked())
	h.Mark(func() {
		require.True(t, h.Marked())
	})
	require.False(t, h.Marked())
}

func TestPendingCountClearsAfterAcquire(t *testing.T) {
	c := New(zerolog.Nop(), nil)
	l := &fakeLocker{}
	req := Request{DB: "locking.tdb", Key: "k"}

	h, err := c.Acquire(context.Background(), l, req)
	require.NoError(t, err)
	require.Equal(t, 0, c.PendingCount())
	h.Unlock()
}
