package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingReturnsLinesInOrder(t *testing.T) {
	r := NewRing(3)
	r.Write([]byte("a"))
	r.Write([]byte("b"))
	require.Equal(t, []string{"a", "b"}, r.GetLog(0))
}

func TestRingWrapsOnceFull(t *testing.T) {
	r := NewRing(2)
	r.Write([]byte("a"))
	r.Write([]byte("b"))
	r.Write([]byte("c"))
	require.Equal(t, []string{"b", "c"}, r.GetLog(0))
}

func TestRingRespectsLimit(t *testing.T) {
	r := NewRing(5)
	r.Write([]byte("a"))
	r.Write([]byte("b"))
	r.Write([]byte("c"))
	require.Equal(t, []string{"b", "c"}, r.GetLog(2))
}

func TestRingClear(t *testing.T) {
	r := NewRing(5)
	r.Write([]byte("a"))
	r.ClearLog()
	require.Empty(t, r.GetLog(0))
}
