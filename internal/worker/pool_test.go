package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"offerflow/internal/domain"
	"offerflow/internal/queue"
)

type countingHandler struct {
	calls atomic.Int32
	err   error
}

func (h *countingHandler) Handle(_ context.Context, _ json.RawMessage) error {
	h.calls.Add(1)
	return h.err
}

func newTestRepo(t *testing.T) queue.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteRepo(db)
}

func TestPoolDispatchesByKind(t *testing.T) {
	repo := newTestRepo(t)
	h := &countingHandler{}
	pool := NewPool(repo, map[string]Handler{domain.KindNotify: h}, 2, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	id, err := repo.Enqueue(ctx, domain.Job{
		ID:      domain.NotifyJobID("ofr_1", 0),
		Kind:    domain.KindNotify,
		Payload: []byte(`{"offer_id":"ofr_1","candidate_ids":["c1"],"index":0}`),
	}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := repo.Get(ctx, id)
		return err == nil && j.State == "succeeded"
	}, 3*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 1, h.calls.Load())
}

func TestPoolRetriesFailedHandler(t *testing.T) {
	repo := newTestRepo(t)
	h := &countingHandler{err: errors.New("transient")}
	pool := NewPool(repo, map[string]Handler{domain.KindExpire: h}, 1, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	id, err := repo.Enqueue(ctx, domain.Job{
		ID:          domain.ExpireJobID("ofr_1"),
		Kind:        domain.KindExpire,
		Payload:     []byte(`{"offer_id":"ofr_1"}`),
		MaxAttempts: 2,
	}, 0)
	require.NoError(t, err)

	// Two failing attempts exhaust the budget and hard-fail the job.
	require.Eventually(t, func() bool {
		j, err := repo.Get(ctx, id)
		return err == nil && j.State == "failed"
	}, 5*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, h.calls.Load(), int32(2))
}

func TestPoolFailsUnknownKind(t *testing.T) {
	repo := newTestRepo(t)
	pool := NewPool(repo, map[string]Handler{}, 1, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	id, err := repo.Enqueue(ctx, domain.Job{
		ID:      "bogus:ofr_1",
		Kind:    "bogus",
		Payload: []byte(`{}`),
	}, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := repo.Get(ctx, id)
		return err == nil && j.State == "failed"
	}, 3*time.Second, 20*time.Millisecond)
}
