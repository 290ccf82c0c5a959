package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"offerflow/internal/breaker"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	brk := breaker.New("redis", 5, time.Second)
	s, err := New(context.Background(), mr.Addr(), brk, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestSetAndGetStatus(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, "ofr_1", "pending", 20*time.Minute))
	got, err := s.Status(ctx, "ofr_1")
	require.NoError(t, err)
	require.Equal(t, "pending", got)

	// TTL is attached to the mirror key.
	require.Equal(t, 20*time.Minute, mr.TTL("offer:ofr_1:status"))
}

func TestStatusMissingKey(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.Status(context.Background(), "ofr_gone")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCompareAndSwap(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetStatus(ctx, "ofr_1", "pending", 0))

	swapped, err := s.CompareAndSwap(ctx, "ofr_1", "pending", "accepted")
	require.NoError(t, err)
	require.True(t, swapped)

	got, err := s.Status(ctx, "ofr_1")
	require.NoError(t, err)
	require.Equal(t, "accepted", got)

	// Second caller loses: value is no longer pending.
	swapped, err = s.CompareAndSwap(ctx, "ofr_1", "pending", "expired")
	require.NoError(t, err)
	require.False(t, swapped)

	got, err = s.Status(ctx, "ofr_1")
	require.NoError(t, err)
	require.Equal(t, "accepted", got)
}

func TestCompareAndSwapMissingKey(t *testing.T) {
	s, _ := newTestStore(t)
	swapped, err := s.CompareAndSwap(context.Background(), "ofr_gone", "pending", "accepted")
	require.NoError(t, err)
	require.False(t, swapped)
}

func TestCleanupRemovesOnlyOfferKeys(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, "ofr_1", "accepted", 0))
	mr.Set("offer:ofr_1:aux", "x")
	require.NoError(t, s.SetStatus(ctx, "ofr_2", "pending", 0))

	deleted, err := s.Cleanup(ctx, "ofr_1")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	require.False(t, mr.Exists("offer:ofr_1:status"))
	require.True(t, mr.Exists("offer:ofr_2:status"))
}

func TestBreakerShortCircuits(t *testing.T) {
	mr := miniredis.RunT(t)
	brk := breaker.New("redis", 1, time.Minute)
	s, err := New(context.Background(), mr.Addr(), brk, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mr.Close()
	_, err = s.Status(context.Background(), "ofr_1")
	require.Error(t, err) // trips the breaker

	_, err = s.Status(context.Background(), "ofr_1")
	require.ErrorIs(t, err, breaker.ErrOpen)
}
