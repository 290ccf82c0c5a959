package offer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"offerflow/internal/domain"
	"offerflow/internal/metrics"
)

// DefaultGrace pads the status mirror's TTL past the expire job's delay so
// the mirror cannot vanish before the job fires under clock skew.
const DefaultGrace = 5 * time.Minute

// StatusStore is the ephemeral mirror: the authoritative value for
// concurrency control. The compare-and-swap is the sole transition arbiter.
type StatusStore interface {
	CompareAndSwap(ctx context.Context, offerID, from, to string) (bool, error)
	SetStatus(ctx context.Context, offerID, status string, ttl time.Duration) error
	Status(ctx context.Context, offerID string) (string, error)
	Cleanup(ctx context.Context, offerID string) (int, error)
}

// OfferStore is the canonical durable record, kept in eventual lockstep
// with the mirror by the protocol below.
type OfferStore interface {
	Insert(ctx context.Context, o domain.Offer) (string, error)
	MarkAccepted(ctx context.Context, offerID, candidateID string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, offerID string, at time.Time) (bool, error)
	AppendNotifications(ctx context.Context, offerID string, notes []domain.Notification) error
}

// Scheduler enqueues delayed jobs under deterministic ids and cancels the
// ones that have not started.
type Scheduler interface {
	Enqueue(ctx context.Context, j domain.Job, delay time.Duration) (string, error)
	PendingForOffer(ctx context.Context, offerID string) ([]string, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Broadcaster is the realtime push channel. Fire-and-forget.
type Broadcaster interface {
	NotifyCandidates(offerID string, candidateIDs []string)
	OfferAccepted(offerID, candidateID string)
}

// ExternalNotifier is the third-party notification system.
type ExternalNotifier interface {
	NotifyCandidates(ctx context.Context, offerID string, candidateIDs []string) error
	OfferAccepted(ctx context.Context, offerID, candidateID string) error
}

// Coordinator orchestrates the offer lifecycle across the two stores and
// the scheduler. It holds no per-offer state of its own: any number of
// instances may operate on the same offer concurrently, and every
// cross-operation race is settled by the mirror's compare-and-swap.
type Coordinator struct {
	store    OfferStore
	cache    StatusStore
	jobs     Scheduler
	push     Broadcaster
	notifier ExternalNotifier
	grace    time.Duration
	now      func() time.Time
}

func NewCoordinator(store OfferStore, cache StatusStore, jobs Scheduler, push Broadcaster, notifier ExternalNotifier, grace time.Duration) *Coordinator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Coordinator{
		store:    store,
		cache:    cache,
		jobs:     jobs,
		push:     push,
		notifier: notifier,
		grace:    grace,
		now:      time.Now,
	}
}

// Create writes the durable record, seeds the pending mirror with a padded
// TTL and schedules the notify fan-out plus the expire job. Candidates are
// notified at evenly spaced delays across the offer's lifetime. Nothing is
// scheduled when the durable write fails.
func (c *Coordinator) Create(ctx context.Context, routeID string, candidates []string, durationMinutes int) (domain.Offer, error) {
	switch {
	case routeID == "":
		return domain.Offer{}, fmt.Errorf("%w: route id is required", ErrInvalid)
	case len(candidates) == 0:
		return domain.Offer{}, fmt.Errorf("%w: at least one candidate is required", ErrInvalid)
	case durationMinutes <= 0:
		return domain.Offer{}, fmt.Errorf("%w: duration must be positive", ErrInvalid)
	}

	o := domain.Offer{
		RouteID:         routeID,
		Candidates:      candidates,
		DurationMinutes: durationMinutes,
		Status:          domain.StatusPending,
		CreatedAt:       c.now().UTC(),
	}
	id, err := c.store.Insert(ctx, o)
	if err != nil {
		return domain.Offer{}, errors.Join(ErrCreation, err)
	}
	o.ID = id

	duration := time.Duration(durationMinutes) * time.Minute
	if err := c.cache.SetStatus(ctx, id, string(domain.StatusPending), duration+c.grace); err != nil {
		return domain.Offer{}, fmt.Errorf("seed status mirror: %w", err)
	}

	// Even spacing across the lifetime; a single candidate is notified
	// immediately.
	var interval time.Duration
	if len(candidates) > 1 {
		interval = duration / time.Duration(len(candidates))
	}
	for i, candidateID := range candidates {
		payload, err := json.Marshal(domain.NotifyJob{OfferID: id, CandidateIDs: []string{candidateID}, Index: i})
		if err != nil {
			return domain.Offer{}, err
		}
		if _, err := c.jobs.Enqueue(ctx, domain.Job{
			ID:      domain.NotifyJobID(id, i),
			Kind:    domain.KindNotify,
			Payload: payload,
		}, time.Duration(i)*interval); err != nil {
			return domain.Offer{}, fmt.Errorf("schedule notify job %d: %w", i, err)
		}
	}
	payload, err := json.Marshal(domain.ExpireJob{OfferID: id})
	if err != nil {
		return domain.Offer{}, err
	}
	if _, err := c.jobs.Enqueue(ctx, domain.Job{
		ID:      domain.ExpireJobID(id),
		Kind:    domain.KindExpire,
		Payload: payload,
	}, duration); err != nil {
		return domain.Offer{}, fmt.Errorf("schedule expire job: %w", err)
	}

	metrics.OffersCreated.Inc()
	log.Info().Str("offer_id", id).Str("route_id", routeID).
		Int("candidates", len(candidates)).Dur("duration", duration).
		Msg("offer created")
	return o, nil
}

// HandleNotify runs when a notify job comes due. The pending-only guard
// makes duplicate or out-of-order execution safe: a resolved or vanished
// mirror means nobody gets notified. A durable failure after the external
// call surfaces so the scheduler retries; re-notification on retry is the
// accepted at-least-once duplication.
func (c *Coordinator) HandleNotify(ctx context.Context, j domain.NotifyJob) error {
	status, err := c.cache.Status(ctx, j.OfferID)
	if err != nil {
		return err
	}
	if status != string(domain.StatusPending) {
		log.Debug().Str("offer_id", j.OfferID).Str("status", status).Msg("skipping notify, offer no longer pending")
		return nil
	}

	if err := c.notifier.NotifyCandidates(ctx, j.OfferID, j.CandidateIDs); err != nil {
		return err
	}
	c.push.NotifyCandidates(j.OfferID, j.CandidateIDs)

	at := c.now().UTC()
	notes := make([]domain.Notification, 0, len(j.CandidateIDs))
	for _, candidateID := range j.CandidateIDs {
		notes = append(notes, domain.Notification{CandidateID: candidateID, NotifiedAt: at})
	}
	if err := c.store.AppendNotifications(ctx, j.OfferID, notes); err != nil {
		return fmt.Errorf("append notification history: %w", err)
	}
	metrics.NotificationsRecorded.Add(float64(len(notes)))
	log.Info().Str("offer_id", j.OfferID).Strs("candidates", j.CandidateIDs).Int("index", j.Index).Msg("candidates notified")
	return nil
}

// Accept resolves the offer in favour of one candidate. The mirror's
// compare-and-swap decides the winner; everything after it either settles
// the durable record or compensates the mirror back to pending.
func (c *Coordinator) Accept(ctx context.Context, offerID, candidateID string) error {
	if offerID == "" || candidateID == "" {
		return fmt.Errorf("%w: offer id and candidate id are required", ErrInvalid)
	}

	swapped, err := c.cache.CompareAndSwap(ctx, offerID, string(domain.StatusPending), string(domain.StatusAccepted))
	if err != nil {
		metrics.Transitions.WithLabelValues("accepted", "error").Inc()
		return err
	}
	if !swapped {
		metrics.Transitions.WithLabelValues("accepted", "lost").Inc()
		log.Info().Str("offer_id", offerID).Str("candidate_id", candidateID).Msg("accept lost the race")
		return ErrConflict
	}
	metrics.Transitions.WithLabelValues("accepted", "won").Inc()

	c.cancelPendingJobs(ctx, offerID)
	c.push.OfferAccepted(offerID, candidateID)
	if err := c.notifier.OfferAccepted(ctx, offerID, candidateID); err != nil {
		// Best effort on this path; the durable record is what matters.
		log.Warn().Err(err).Str("offer_id", offerID).Msg("external accept notification failed")
	}

	matched, err := c.store.MarkAccepted(ctx, offerID, candidateID, c.now().UTC())
	if err != nil {
		c.compensate(ctx, offerID, string(domain.StatusAccepted), "accept")
		return errors.Join(ErrConsistency, err)
	}
	if !matched {
		c.compensate(ctx, offerID, string(domain.StatusAccepted), "accept")
		return ErrConflict
	}

	c.cleanup(ctx, offerID)
	log.Info().Str("offer_id", offerID).Str("candidate_id", candidateID).Msg("offer accepted")
	return nil
}

// HandleExpire runs when the expire job fires. Losing the compare-and-swap
// means somebody accepted first, which is a correct outcome, not a fault.
func (c *Coordinator) HandleExpire(ctx context.Context, j domain.ExpireJob) error {
	swapped, err := c.cache.CompareAndSwap(ctx, j.OfferID, string(domain.StatusPending), string(domain.StatusExpired))
	if err != nil {
		metrics.Transitions.WithLabelValues("expired", "error").Inc()
		return err
	}
	if !swapped {
		metrics.Transitions.WithLabelValues("expired", "lost").Inc()
		log.Debug().Str("offer_id", j.OfferID).Msg("skipping expire, offer already resolved")
		return nil
	}
	metrics.Transitions.WithLabelValues("expired", "won").Inc()

	matched, err := c.store.MarkExpired(ctx, j.OfferID, c.now().UTC())
	if err != nil {
		c.compensate(ctx, j.OfferID, string(domain.StatusExpired), "expire")
		return errors.Join(ErrConsistency, err)
	}
	if !matched {
		c.compensate(ctx, j.OfferID, string(domain.StatusExpired), "expire")
		return fmt.Errorf("%w: durable record was not pending", ErrConsistency)
	}

	c.cleanup(ctx, j.OfferID)
	log.Info().Str("offer_id", j.OfferID).Msg("offer expired")
	return nil
}

// cancelPendingJobs removes not-yet-executed jobs for the offer. Purely a
// latency optimization: the pending-only guard in each handler carries
// correctness, so failures here are logged and swallowed.
func (c *Coordinator) cancelPendingJobs(ctx context.Context, offerID string) {
	ids, err := c.jobs.PendingForOffer(ctx, offerID)
	if err != nil {
		log.Warn().Err(err).Str("offer_id", offerID).Msg("enumerate pending jobs failed")
		return
	}
	for _, id := range ids {
		if _, err := c.jobs.Cancel(ctx, id); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("cancel job failed")
		}
	}
	if len(ids) > 0 {
		log.Debug().Str("offer_id", offerID).Int("canceled", len(ids)).Msg("pending jobs canceled")
	}
}

// compensate rolls the mirror back to pending after a durable update
// failed, so the two stores never assert different terminal states.
func (c *Coordinator) compensate(ctx context.Context, offerID, from, op string) {
	metrics.Compensations.WithLabelValues(op).Inc()
	swapped, err := c.cache.CompareAndSwap(ctx, offerID, from, string(domain.StatusPending))
	if err != nil || !swapped {
		log.Error().Err(err).Bool("swapped", swapped).Str("offer_id", offerID).
			Str("from", from).Msg("ephemeral rollback failed, stores may diverge")
		return
	}
	log.Warn().Str("offer_id", offerID).Str("from", from).Str("op", op).Msg("ephemeral transition rolled back")
}

// cleanup removes the offer's mirror keys once the terminal state settled
// durably. Advisory: a leftover terminal value can never match pending.
func (c *Coordinator) cleanup(ctx context.Context, offerID string) {
	if _, err := c.cache.Cleanup(ctx, offerID); err != nil {
		log.Warn().Err(err).Str("offer_id", offerID).Msg("ephemeral cleanup failed")
	}
}
