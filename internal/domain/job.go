package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Job kinds form a closed set; payloads are decoded and validated at the
// queue boundary rather than carried as untyped maps.
const (
	KindNotify = "notify"
	KindExpire = "expire"
)

// NotifyJob tells a worker to notify a slice of candidates about an offer.
// Index is the candidate's position in the priority order and is part of
// the deterministic job id.
type NotifyJob struct {
	OfferID      string   `json:"offer_id"`
	CandidateIDs []string `json:"candidate_ids"`
	Index        int      `json:"index"`
}

// ExpireJob tells a worker to expire an offer that nobody accepted.
type ExpireJob struct {
	OfferID string `json:"offer_id"`
}

// NotifyJobID derives the deterministic id for a notify job. At most one
// live job can exist per (offer, candidate index); re-scheduling with the
// same id is a no-op at the queue.
func NotifyJobID(offerID string, index int) string {
	return fmt.Sprintf("%s:%s:%d", KindNotify, offerID, index)
}

// ExpireJobID derives the deterministic id for an offer's expire job.
func ExpireJobID(offerID string) string {
	return KindExpire + ":" + offerID
}

// JobOfferID extracts the offer id embedded in a deterministic job id.
func JobOfferID(jobID string) string {
	parts := strings.Split(jobID, ":")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// DecodeNotifyJob validates a notify payload at the scheduler boundary.
func DecodeNotifyJob(payload json.RawMessage) (NotifyJob, error) {
	var j NotifyJob
	if err := json.Unmarshal(payload, &j); err != nil {
		return NotifyJob{}, fmt.Errorf("decode notify job: %w", err)
	}
	if j.OfferID == "" {
		return NotifyJob{}, fmt.Errorf("notify job: offer_id is required")
	}
	if len(j.CandidateIDs) == 0 {
		return NotifyJob{}, fmt.Errorf("notify job: candidate_ids is required")
	}
	return j, nil
}

// DecodeExpireJob validates an expire payload at the scheduler boundary.
func DecodeExpireJob(payload json.RawMessage) (ExpireJob, error) {
	var j ExpireJob
	if err := json.Unmarshal(payload, &j); err != nil {
		return ExpireJob{}, fmt.Errorf("decode expire job: %w", err)
	}
	if j.OfferID == "" {
		return ExpireJob{}, fmt.Errorf("expire job: offer_id is required")
	}
	return j, nil
}
