package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offerflow/internal/breaker"
	"offerflow/internal/domain"
	"offerflow/internal/offer"
	"offerflow/internal/store"
)

// OfferService is the write-side surface of the lifecycle coordinator.
type OfferService interface {
	Create(ctx context.Context, routeID string, candidates []string, durationMinutes int) (domain.Offer, error)
	Accept(ctx context.Context, offerID, candidateID string) error
}

// OfferReader is the read-side surface of the durable store.
type OfferReader interface {
	Get(ctx context.Context, offerID string) (domain.Offer, error)
	List(ctx context.Context, limit int) ([]domain.Offer, error)
	Notifications(ctx context.Context, offerID string) ([]domain.Notification, error)
	Stats(ctx context.Context) ([]store.StatusCount, error)
}

type Server struct {
	r      *chi.Mux
	svc    OfferService
	reader OfferReader
	ready  func(ctx context.Context) error
	offers *expirable.LRU[string, domain.Offer]
}

type Options struct {
	Service     OfferService
	Reader      OfferReader
	Ready       func(ctx context.Context) error
	WS          http.HandlerFunc
	EnableDebug bool
}

func NewServer(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:      r,
		svc:    opts.Service,
		reader: opts.Reader,
		ready:  opts.Ready,
		// Short-lived read cache; accepted/expired offers are immutable so
		// only a freshly resolved pending offer can be briefly stale.
		offers: expirable.NewLRU[string, domain.Offer](256, nil, 2*time.Second),
	}

	r.Get("/health", s.health)
	r.Get("/ready", s.readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/offers", s.createOffer)
	r.Get("/api/offers", s.listOffers)
	r.Get("/api/offers/stats", s.offerStats)
	r.Get("/api/offers/{id}", s.getOffer)
	r.Get("/api/offers/{id}/notifications", s.notificationHistory)
	r.Post("/api/offers/{id}/accept", s.acceptOffer)

	if opts.WS != nil {
		r.Get("/ws", opts.WS)
	}

	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type createOfferReq struct {
	RouteID         string   `json:"route_id"`
	Candidates      []string `json:"candidates"`
	DurationMinutes int      `json:"duration_minutes"`
}

func (s *Server) createOffer(w http.ResponseWriter, r *http.Request) {
	var req createOfferReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	o, err := s.svc.Create(r.Context(), req.RouteID, req.Candidates, req.DurationMinutes)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) listOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.reader.List(r.Context(), 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	if offers == nil {
		offers = []domain.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) getOffer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if o, ok := s.offers.Get(id); ok {
		writeJSON(w, http.StatusOK, o)
		return
	}
	o, err := s.reader.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.offers.Add(id, o)
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) notificationHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	notes, err := s.reader.Notifications(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if notes == nil {
		notes = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) offerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reader.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if stats == nil {
		stats = []store.StatusCount{}
	}
	writeJSON(w, http.StatusOK, stats)
}

type acceptReq struct {
	CandidateID string `json:"candidate_id"`
}

func (s *Server) acceptOffer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req acceptReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.svc.Accept(r.Context(), id, req.CandidateID); err != nil {
		writeErr(w, err)
		return
	}
	s.offers.Remove(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// writeErr maps the coordinator's error taxonomy onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, offer.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, offer.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, breaker.ErrOpen), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "dependency unavailable, retry later", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
