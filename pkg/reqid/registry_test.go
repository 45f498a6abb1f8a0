package reqid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocLookupRelease(t *testing.T) {
	r := New()

	id := r.Alloc("call", 42)
	v, ok := r.Lookup(id, "call")
	require.True(t, ok)
	require.Equal(t, 42, v)
	require.Equal(t, 1, r.Len())

	r.Release(id)
	_, ok = r.Lookup(id, "call")
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestLookupWrongTypeFails(t *testing.T) {
	r := New()
	id := r.Alloc("call", "state")
	_, ok := r.Lookup(id, "control")
	require.False(t, ok)
}

func TestStaleIDAfterSlotReuse(t *testing.T) {
	r := New()
	id1 := r.Alloc("call", 1)
	r.Release(id1)
	id2 := r.Alloc("call", 2)

	// Same slot recycled with a new generation: the old id must not
	// resolve to the new value.
	_, ok := r.Lookup(id1, "call")
	require.False(t, ok)

	v, ok := r.Lookup(id2, "call")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestConcurrentAllocRelease(t *testing.T) {
	r := New()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 1000; j++ {
				id := r.Alloc("x", j)
				r.Release(id)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.Equal(t, 0, r.Len())
}
