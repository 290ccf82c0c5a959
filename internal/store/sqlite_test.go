package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"offerflow/internal/breaker"
	"offerflow/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return New(db, breaker.New("sqlite", 3, time.Second))
}

func insertOffer(t *testing.T, s *Store) string {
	t.Helper()
	id, err := s.Insert(context.Background(), domain.Offer{
		RouteID:         "route-1",
		Candidates:      []string{"c1", "c2", "c3"},
		DurationMinutes: 15,
		CreatedAt:       time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	id := insertOffer(t, s)

	o, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "route-1", o.RouteID)
	require.Equal(t, []string{"c1", "c2", "c3"}, o.Candidates)
	require.Equal(t, domain.StatusPending, o.Status)
	require.Empty(t, o.Notified)
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "ofr_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkAcceptedConditional(t *testing.T) {
	s := newTestStore(t)
	id := insertOffer(t, s)
	ctx := context.Background()
	at := time.Now().UTC()

	matched, err := s.MarkAccepted(ctx, id, "c2", at)
	require.NoError(t, err)
	require.True(t, matched)

	// The predicate no longer matches once the offer left pending.
	matched, err = s.MarkAccepted(ctx, id, "c3", at)
	require.NoError(t, err)
	require.False(t, matched)

	o, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, o.Status)
	require.Equal(t, "c2", o.AcceptedBy)
	require.NotNil(t, o.AcceptedAt)
}

func TestMarkExpiredLosesToAccept(t *testing.T) {
	s := newTestStore(t)
	id := insertOffer(t, s)
	ctx := context.Background()

	matched, err := s.MarkAccepted(ctx, id, "c1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = s.MarkExpired(ctx, id, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, matched)

	o, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, o.Status)
	require.Nil(t, o.ExpiredAt)
}

func TestAppendNotificationsBatch(t *testing.T) {
	s := newTestStore(t)
	id := insertOffer(t, s)
	ctx := context.Background()
	at := time.Now().UTC()

	require.NoError(t, s.AppendNotifications(ctx, id, []domain.Notification{
		{CandidateID: "c1", NotifiedAt: at},
		{CandidateID: "c2", NotifiedAt: at.Add(time.Second)},
	}))
	require.NoError(t, s.AppendNotifications(ctx, id, []domain.Notification{
		{CandidateID: "c3", NotifiedAt: at.Add(2 * time.Second)},
	}))

	notes, err := s.Notifications(ctx, id)
	require.NoError(t, err)
	require.Len(t, notes, 3)
	require.Equal(t, "c1", notes[0].CandidateID)
	require.Equal(t, "c3", notes[2].CandidateID)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := insertOffer(t, s)
	insertOffer(t, s)

	_, err := s.MarkAccepted(ctx, a, "c1", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, s.AppendNotifications(ctx, a, []domain.Notification{
		{CandidateID: "c1", NotifiedAt: time.Now().UTC()},
		{CandidateID: "c2", NotifiedAt: time.Now().UTC()},
	}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	byStatus := map[string]StatusCount{}
	for _, sc := range stats {
		byStatus[sc.Status] = sc
	}
	require.Equal(t, 1, byStatus["accepted"].Count)
	require.Equal(t, 1, byStatus["pending"].Count)
	require.InDelta(t, 2.0, byStatus["accepted"].AvgNotifications, 0.001)
	require.InDelta(t, 0.0, byStatus["pending"].AvgNotifications, 0.001)
}
