package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"offerflow/internal/breaker"
	"offerflow/internal/domain"
)

var ErrNotFound = errors.New("offer not found")

// EnsureSchema creates tables if they don't exist. Notification history is
// an append-only table rather than a column so batch appends never rewrite
// the offer row.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS offers (
  id TEXT PRIMARY KEY,
  route_id TEXT NOT NULL,
  candidates TEXT NOT NULL,
  duration_minutes INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','accepted','expired')) DEFAULT 'pending',
  accepted_by TEXT,
  accepted_at DATETIME,
  expired_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_offers_status ON offers(status, created_at DESC);
CREATE TABLE IF NOT EXISTS offer_notifications (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  offer_id TEXT NOT NULL,
  candidate_id TEXT NOT NULL,
  notified_at DATETIME NOT NULL,
  FOREIGN KEY(offer_id) REFERENCES offers(id)
);
CREATE INDEX IF NOT EXISTS idx_offer_notifications_offer ON offer_notifications(offer_id, id);
`
	_, err := db.Exec(schema)
	return err
}

// StatusCount is one row of the per-status aggregation.
type StatusCount struct {
	Status           string  `json:"status"`
	Count            int     `json:"count"`
	AvgNotifications float64 `json:"avg_notifications"`
}

// Store holds canonical offer records. Writes that participate in the
// lifecycle protocol are conditional on the current status so a lost race
// is reported as an unmatched predicate, never silently overwritten.
type Store struct {
	db  *sql.DB
	brk *breaker.Breaker
}

func New(db *sql.DB, brk *breaker.Breaker) *Store { return &Store{db: db, brk: brk} }

// Insert writes a new pending offer and returns its id.
func (s *Store) Insert(ctx context.Context, o domain.Offer) (string, error) {
	id := o.ID
	if id == "" {
		id = "ofr_" + uuid.NewString()
	}
	candidates, err := json.Marshal(o.Candidates)
	if err != nil {
		return "", fmt.Errorf("marshal candidates: %w", err)
	}
	err = s.brk.Do(func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO offers (id, route_id, candidates, duration_minutes, status, created_at)
VALUES (?,?,?,?, 'pending', ?)
`, id, o.RouteID, string(candidates), o.DurationMinutes, o.CreatedAt)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// MarkAccepted performs the conditional pending->accepted update. The
// boolean reports whether the predicate matched.
func (s *Store) MarkAccepted(ctx context.Context, offerID, candidateID string, at time.Time) (bool, error) {
	var matched bool
	err := s.brk.Do(func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE offers SET status='accepted', accepted_by=?, accepted_at=?
WHERE id=? AND status='pending'`, candidateID, at, offerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		matched = n > 0
		return nil
	})
	return matched, err
}

// MarkExpired performs the conditional pending->expired update.
func (s *Store) MarkExpired(ctx context.Context, offerID string, at time.Time) (bool, error) {
	var matched bool
	err := s.brk.Do(func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE offers SET status='expired', expired_at=?
WHERE id=? AND status='pending'`, at, offerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		matched = n > 0
		return nil
	})
	return matched, err
}

// AppendNotifications appends history entries as a single batch. The table
// is append-only; entries are never mutated or removed.
func (s *Store) AppendNotifications(ctx context.Context, offerID string, notes []domain.Notification) error {
	if len(notes) == 0 {
		return nil
	}
	return s.brk.Do(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO offer_notifications (offer_id, candidate_id, notified_at) VALUES (?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, n := range notes {
			if _, err := stmt.ExecContext(ctx, offerID, n.CandidateID, n.NotifiedAt); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Get returns the offer with its notification history. A missing row is a
// logical miss, not a dependency failure, so it never counts against the
// breaker.
func (s *Store) Get(ctx context.Context, offerID string) (domain.Offer, error) {
	var o domain.Offer
	var notFound bool
	err := s.brk.Do(func() error {
		row := s.db.QueryRowContext(ctx, `
SELECT id, route_id, candidates, duration_minutes, status, accepted_by, accepted_at, expired_at, created_at
FROM offers WHERE id=?`, offerID)
		var err error
		o, err = scanOffer(row)
		if errors.Is(err, ErrNotFound) {
			notFound = true
			return nil
		}
		if err != nil {
			return err
		}
		o.Notified, err = s.notifications(ctx, offerID)
		return err
	})
	if err != nil {
		return domain.Offer{}, err
	}
	if notFound {
		return domain.Offer{}, ErrNotFound
	}
	return o, nil
}

// List returns the most recent offers, newest first, without history.
func (s *Store) List(ctx context.Context, limit int) ([]domain.Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	var offers []domain.Offer
	err := s.brk.Do(func() error {
		rows, err := s.db.QueryContext(ctx, `
SELECT id, route_id, candidates, duration_minutes, status, accepted_by, accepted_at, expired_at, created_at
FROM offers ORDER BY created_at DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			o, err := scanOffer(rows)
			if err != nil {
				return err
			}
			offers = append(offers, o)
		}
		return rows.Err()
	})
	return offers, err
}

// Notifications returns the append-only history for one offer in insertion
// order.
func (s *Store) Notifications(ctx context.Context, offerID string) ([]domain.Notification, error) {
	var notes []domain.Notification
	err := s.brk.Do(func() error {
		var err error
		notes, err = s.notifications(ctx, offerID)
		return err
	})
	return notes, err
}

func (s *Store) notifications(ctx context.Context, offerID string) ([]domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT candidate_id, notified_at FROM offer_notifications WHERE offer_id=? ORDER BY id`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.CandidateID, &n.NotifiedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Stats aggregates offer counts and average notification fanout by status.
func (s *Store) Stats(ctx context.Context) ([]StatusCount, error) {
	var stats []StatusCount
	err := s.brk.Do(func() error {
		rows, err := s.db.QueryContext(ctx, `
SELECT o.status, COUNT(DISTINCT o.id), AVG(COALESCE(cnt.n, 0))
FROM offers o
LEFT JOIN (SELECT offer_id, COUNT(*) AS n FROM offer_notifications GROUP BY offer_id) cnt
  ON cnt.offer_id = o.id
GROUP BY o.status ORDER BY COUNT(DISTINCT o.id) DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var sc StatusCount
			if err := rows.Scan(&sc.Status, &sc.Count, &sc.AvgNotifications); err != nil {
				return err
			}
			stats = append(stats, sc)
		}
		return rows.Err()
	})
	return stats, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (domain.Offer, error) {
	var o domain.Offer
	var candidates string
	var acceptedBy sql.NullString
	var acceptedAt, expiredAt sql.NullTime
	err := row.Scan(&o.ID, &o.RouteID, &candidates, &o.DurationMinutes, &o.Status, &acceptedBy, &acceptedAt, &expiredAt, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Offer{}, ErrNotFound
	}
	if err != nil {
		return domain.Offer{}, err
	}
	if err := json.Unmarshal([]byte(candidates), &o.Candidates); err != nil {
		return domain.Offer{}, fmt.Errorf("unmarshal candidates: %w", err)
	}
	if acceptedBy.Valid {
		o.AcceptedBy = acceptedBy.String
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		o.AcceptedAt = &t
	}
	if expiredAt.Valid {
		t := expiredAt.Time
		o.ExpiredAt = &t
	}
	return o, nil
}
