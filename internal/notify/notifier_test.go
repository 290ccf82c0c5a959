package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifyCandidatesPostsPerCandidate(t *testing.T) {
	var paths []string
	var payloads []candidatePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var p candidatePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		payloads = append(payloads, p)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, time.Second)
	err := n.NotifyCandidates(context.Background(), "ofr_1", []string{"c1", "c2"})
	require.NoError(t, err)
	require.Equal(t, []string{"/notify-candidate", "/notify-candidate"}, paths)
	require.Equal(t, "c1", payloads[0].CandidateID)
	require.Equal(t, "c2", payloads[1].CandidateID)
	require.Equal(t, "offer_notification", payloads[0].Type)
}

func TestNotifySurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "downstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(srv.URL, time.Second)
	err := n.NotifyCandidates(context.Background(), "ofr_1", []string{"c1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestLogModeNeverFails(t *testing.T) {
	n := New("", time.Second)
	require.NoError(t, n.NotifyCandidates(context.Background(), "ofr_1", []string{"c1"}))
	require.NoError(t, n.OfferAccepted(context.Background(), "ofr_1", "c1"))
}
