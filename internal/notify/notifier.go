package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Notifier delivers offer events to the external notification system over
// REST. With no endpoint configured it degrades to structured log delivery,
// which keeps local development self-contained.
type Notifier struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func New(baseURL string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type candidatePayload struct {
	OfferID     string `json:"offer_id"`
	CandidateID string `json:"candidate_id"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"`
}

type acceptedPayload struct {
	OfferID    string `json:"offer_id"`
	AcceptedBy string `json:"accepted_by"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Type       string `json:"type"`
}

// NotifyCandidates delivers one notification per candidate. The first
// failure is returned so the caller's retry policy can re-attempt; delivery
// is at-least-once.
func (n *Notifier) NotifyCandidates(ctx context.Context, offerID string, candidateIDs []string) error {
	for _, candidateID := range candidateIDs {
		p := candidatePayload{
			OfferID:     offerID,
			CandidateID: candidateID,
			Message:     fmt.Sprintf("new offer available: %s", offerID),
			Timestamp:   n.now().UTC().Format(time.RFC3339),
			Type:        "offer_notification",
		}
		if err := n.post(ctx, "/notify-candidate", p); err != nil {
			return fmt.Errorf("notify candidate %s: %w", candidateID, err)
		}
	}
	return nil
}

// OfferAccepted tells the external system an offer was taken.
func (n *Notifier) OfferAccepted(ctx context.Context, offerID, candidateID string) error {
	p := acceptedPayload{
		OfferID:    offerID,
		AcceptedBy: candidateID,
		Message:    fmt.Sprintf("offer %s was accepted by %s", offerID, candidateID),
		Timestamp:  n.now().UTC().Format(time.RFC3339),
		Type:       "offer_accepted",
	}
	return n.post(ctx, "/notify-offer-accepted", p)
}

func (n *Notifier) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if n.baseURL == "" {
		log.Info().Str("path", path).RawJSON("payload", body).Msg("notification delivered (log mode)")
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification API %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
