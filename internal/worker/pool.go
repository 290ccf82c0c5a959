package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"offerflow/internal/domain"
	"offerflow/internal/queue"
)

// Handler processes one job payload. Returning an error hands the job back
// to the queue's bounded retry; conflict-free no-ops must return nil.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Pool drains the job queue with a bounded number of concurrent handlers.
// Several pools may drain the same queue; the lease transaction keeps them
// from double-claiming a job.
type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
}

func NewPool(repo queue.Repository, handlers map[string]Handler, size int, pollEvery time.Duration) *Pool {
	return &Pool{repo: repo, handlers: handlers, sem: make(chan struct{}, size), stop: make(chan struct{}), pollEvery: pollEvery}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			for {
				job, _, err := p.repo.LeaseNext(ctx, now.UTC())
				if err != nil {
					if !errors.Is(err, queue.ErrEmpty) {
						log.Error().Err(err).Msg("lease job")
					}
					break
				}
				p.sem <- struct{}{}
				go func(j domain.Job) {
					defer func() { <-p.sem }()
					p.dispatch(ctx, j)
				}(job)
			}
		}
	}
}

func (p *Pool) Stop() { close(p.stop) }

func (p *Pool) dispatch(ctx context.Context, j domain.Job) {
	h, ok := p.handlers[j.Kind]
	if !ok {
		// Unknown kinds are malformed by construction; retrying won't help.
		log.Error().Str("job_id", j.ID).Str("kind", j.Kind).Msg("no handler for job kind")
		_ = p.repo.Fail(ctx, j.ID, "no handler")
		return
	}
	c, cancel := context.WithTimeout(ctx, time.Duration(j.VisibilityTimeout)*time.Second)
	defer cancel()
	if err := h.Handle(c, j.Payload); err != nil {
		next := backoffExp(j.Attempts)
		log.Warn().Err(err).Str("job_id", j.ID).Int("attempts", j.Attempts).Dur("backoff", next).Msg("job failed, scheduling retry")
		_ = p.repo.Retry(ctx, j.ID, err.Error(), next)
		return
	}
	_ = p.repo.Succeed(ctx, j.ID)
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
