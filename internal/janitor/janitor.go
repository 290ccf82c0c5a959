package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"offerflow/internal/queue"
)

// Janitor runs queue maintenance on a cron schedule: requeue jobs whose
// lease expired mid-flight and prune finished jobs past retention.
type Janitor struct {
	repo      queue.Repository
	schedule  cron.Schedule
	retention time.Duration
	stop      chan struct{}
}

func New(repo queue.Repository, cronExpr string, retention time.Duration) (*Janitor, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Janitor{
		repo:      repo,
		schedule:  schedule,
		retention: retention,
		stop:      make(chan struct{}),
	}, nil
}

func (j *Janitor) Run(ctx context.Context) {
	log.Info().Dur("retention", j.retention).Msg("janitor started")
	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-j.stop:
			timer.Stop()
			return
		case now := <-timer.C:
			j.sweep(ctx, now)
		}
	}
}

func (j *Janitor) Stop() { close(j.stop) }

func (j *Janitor) sweep(ctx context.Context, now time.Time) {
	if n, err := j.repo.RecoverStale(ctx, now.UTC()); err != nil {
		log.Error().Err(err).Msg("recover stale jobs")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}
	if n, err := j.repo.PruneFinished(ctx, j.retention); err != nil {
		log.Error().Err(err).Msg("prune finished jobs")
	} else if n > 0 {
		log.Info().Int("pruned", n).Msg("pruned finished jobs")
	}
}
