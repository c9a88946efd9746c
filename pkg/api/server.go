package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/envelope"
	"github.com/uhyunpark/cloakbook/pkg/app/core/inbox"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/cloakbook/pkg/attest"
	"github.com/uhyunpark/cloakbook/pkg/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBodyBytes = 1 << 20
)

// Engine is the read side of batch.Engine.
type Engine interface {
	GetState() batch.State
	LastResolution() *batch.Resolution
	RecentMatches(limit int) []matcher.Match
	OrderCounts() orderbook.Counts
}

type Submitter interface {
	Submit(raw []byte) error
}

// History is the persisted side, optional.
type History interface {
	Resolutions(limit int) ([]*batch.Resolution, error)
	MatchesForBatch(batchID uint64) ([]storage.MatchRecord, error)
}

type AttestationSource interface {
	Recent(limit int) ([]*attest.Attestation, error)
}

type Options struct {
	Engine         Engine
	Intake         Submitter
	History        History
	Attestations   AttestationSource
	Metrics        http.Handler
	AllowedOrigins []string
	// SealingKey is the hex public key clients seal order payloads to.
	SealingKey string
	VenueID    string
	Logger     *zap.SugaredLogger
}

type Server struct {
	opts   Options
	router *mux.Router
	hub    *Hub
	sugar  *zap.SugaredLogger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		hub:    NewHub(opts.Logger),
		sugar:  opts.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/batch", s.handleGetBatch).Methods("GET")
	api.HandleFunc("/matches", s.handleGetMatches).Methods("GET")
	api.HandleFunc("/orders/count", s.handleGetOrderCount).Methods("GET")
	api.HandleFunc("/resolutions/latest", s.handleGetLatestResolution).Methods("GET")
	api.HandleFunc("/resolutions", s.handleGetResolutions).Methods("GET")
	api.HandleFunc("/batches/{id:[0-9]+}/matches", s.handleGetBatchMatches).Methods("GET")
	api.HandleFunc("/attestations", s.handleGetAttestations).Methods("GET")
	api.HandleFunc("/sealing-key", s.handleGetSealingKey).Methods("GET")

	api.HandleFunc("/orders", s.handleSubmit(envelope.TypeOrder)).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleSubmit(envelope.TypeCancel)).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods("GET")
	}
}

// Hub is registered as a notifier and attestation publisher by the caller.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.sugar.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// REST

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, newBatchStatus(s.opts.Engine.GetState()))
}

func (s *Server) handleGetMatches(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	ms := s.opts.Engine.RecentMatches(limit)
	out := make([]MatchInfo, len(ms))
	for i, m := range ms {
		out[i] = newMatchInfo(m)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrderCount(w http.ResponseWriter, r *http.Request) {
	c := s.opts.Engine.OrderCounts()
	respondJSON(w, http.StatusOK, OrderCount{Bids: c.Bids, Asks: c.Asks, Pending: c.Pending, Total: c.Bids + c.Asks})
}

func (s *Server) handleGetLatestResolution(w http.ResponseWriter, r *http.Request) {
	res := s.opts.Engine.LastResolution()
	if res == nil {
		respondError(w, http.StatusNotFound, "no resolution yet", "")
		return
	}
	respondJSON(w, http.StatusOK, newResolutionInfo(res))
}

func (s *Server) handleGetResolutions(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		respondError(w, http.StatusNotImplemented, "history not configured", "")
		return
	}
	rs, err := s.opts.History.Resolutions(parseLimit(r))
	if err != nil {
		s.sugar.Warnw("history_read_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "history unavailable", "")
		return
	}
	out := make([]*ResolutionInfo, len(rs))
	for i, res := range rs {
		out[i] = newResolutionInfo(res)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBatchMatches(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		respondError(w, http.StatusNotImplemented, "history not configured", "")
		return
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid batch id", err.Error())
		return
	}
	recs, err := s.opts.History.MatchesForBatch(id)
	if err != nil {
		s.sugar.Warnw("history_read_failed", "batch_id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "history unavailable", "")
		return
	}
	out := make([]MatchInfo, len(recs))
	for i, rec := range recs {
		out[i] = matchInfoFromRecord(rec)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAttestations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Attestations == nil {
		respondError(w, http.StatusNotImplemented, "attestations not configured", "")
		return
	}
	as, err := s.opts.Attestations.Recent(parseLimit(r))
	if err != nil {
		s.sugar.Warnw("attestation_read_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "attestations unavailable", "")
		return
	}
	if as == nil {
		as = []*attest.Attestation{}
	}
	respondJSON(w, http.StatusOK, as)
}

func (s *Server) handleGetSealingKey(w http.ResponseWriter, r *http.Request) {
	if s.opts.SealingKey == "" {
		respondError(w, http.StatusNotFound, "sealing key not published", "")
		return
	}
	respondJSON(w, http.StatusOK, SealingKeyInfo{PublicKey: s.opts.SealingKey, VenueID: s.opts.VenueID})
}

// handleSubmit queues a signed envelope of the given type. Signatures are
// checked when intake drains it, so 202 only means queued.
func (s *Server) handleSubmit(want envelope.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Intake == nil {
			respondError(w, http.StatusServiceUnavailable, "intake not running", "")
			return
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
			return
		}
		env, err := envelope.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid envelope", err.Error())
			return
		}
		if env.Type != want {
			respondError(w, http.StatusBadRequest, "invalid envelope type", "expected type="+string(want))
			return
		}

		if err := s.opts.Intake.Submit(raw); err != nil {
			if errors.Is(err, inbox.ErrFull) {
				respondError(w, http.StatusServiceUnavailable, "intake queue full", "")
				return
			}
			respondError(w, http.StatusBadRequest, "rejected", err.Error())
			return
		}

		var commitment string
		if env.Order != nil {
			commitment = env.Order.Commitment
		} else {
			commitment = env.Cancel.Commitment
		}
		s.sugar.Debugw("envelope_queued", "type", env.Type, "commitment", shorten(commitment))
		respondJSON(w, http.StatusAccepted, SubmitResponse{Status: "queued", Commitment: shorten(commitment)})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// helpers

func parseLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg, detail string) {
	respondJSON(w, status, ErrorResponse{Error: msg, Message: detail})
}
