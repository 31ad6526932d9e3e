package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shannynalayna/splinter/pkg/admin"
	"github.com/shannynalayna/splinter/pkg/batch"
	"github.com/shannynalayna/splinter/pkg/scabbard"
	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
)

type iAdmin interface {
	Propose(ctx context.Context, def admin.Definition, action admin.Action) (admin.Proposal, error)
	CastVote(ctx context.Context, proposalID types.ProposalID, decision admin.VoteDecision) (admin.Proposal, error)
	Withdraw(ctx context.Context, proposalID types.ProposalID) error
	Abandon(ctx context.Context, circuitID types.CircuitID) error
	Purge(ctx context.Context, circuitID types.CircuitID) error
	GetCircuit(ctx context.Context, id types.CircuitID) (admin.Circuit, error)
	ListCircuits(ctx context.Context, status admin.Status) ([]admin.Circuit, error)
	PendingProposal(ctx context.Context, circuitID types.CircuitID) (admin.Proposal, error)
}

type iServices interface {
	Service(circuitID types.CircuitID, serviceID types.ServiceID) (scabbard.Runner, bool)
}

// Server is the node's HTTP front: the management API, the per-service
// batch and state API, and the inbound peer endpoint.
type Server struct {
	admin      iAdmin
	services   iServices
	peer       http.Handler
	httpServer *http.Server
	addr       string
	headerTO   time.Duration
}

// NewServer wires the management API around the admin service and the
// running service index. peer is the inbound envelope endpoint; it is
// served alongside the public routes.
func NewServer(adminSvc iAdmin, services iServices, peer http.Handler, port int, readHeaderTimeout time.Duration) *Server {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = time.Second
	}
	return &Server{
		admin:    adminSvc,
		services: services,
		peer:     peer,
		addr:     fmt.Sprintf(":%d", port),
		headerTO: readHeaderTimeout,
	}
}

// Start begins serving; it returns once the listener goroutine is running.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.headerTO,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.addr)
	return nil
}

// Stop shuts the server down, letting in-flight requests drain.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Route("/api/circuits", func(r chi.Router) {
		r.Post("/propose", s.handlePropose)
		r.Get("/", s.handleListCircuits)
		r.Route("/{circuitID}", func(r chi.Router) {
			r.Get("/", s.handleGetCircuit)
			r.Get("/proposal", s.handleGetPendingProposal)
			r.Post("/vote", s.handleVote)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/abandon", s.handleAbandon)
			r.Delete("/", s.handlePurge)
		})
	})

	r.Route("/api/scabbard/{circuitID}/{serviceID}", func(r chi.Router) {
		r.Get("/", s.handleServiceInfo)
		r.Post("/batches", s.handleSubmitBatch)
		r.Get("/batches/{batchID}", s.handleBatchStatus)
		r.Get("/state/{key}", s.handleGetState)
	})

	if s.peer != nil {
		r.Handle("/api/internal/splinter", s.peer)
	}

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps domain sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, splerrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, splerrors.ErrInvalidProposal),
		errors.Is(err, splerrors.ErrSequenceViolation):
		status = http.StatusBadRequest
	case errors.Is(err, splerrors.ErrDuplicateVote),
		errors.Is(err, splerrors.ErrBatchInFlight),
		errors.Is(err, splerrors.ErrCircuitNotPurgeable),
		errors.Is(err, splerrors.ErrWithdrawDenied):
		status = http.StatusConflict
	case errors.Is(err, splerrors.ErrUnauthorizedVoter):
		status = http.StatusForbidden
	case errors.Is(err, splerrors.ErrConsensusTimeout):
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

type proposeRequest struct {
	Action     admin.Action     `json:"action"`
	Definition admin.Definition `json:"definition"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed request body"))
		return
	}
	if req.Action == "" {
		req.Action = admin.ActionCreate
	}

	proposal, err := s.admin.Propose(r.Context(), req.Definition, req.Action)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(proposal))
}

func (s *Server) handleListCircuits(w http.ResponseWriter, r *http.Request) {
	status := admin.Status(r.URL.Query().Get("status"))
	circuits, err := s.admin.ListCircuits(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if circuits == nil {
		circuits = []admin.Circuit{}
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(circuits))
}

func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	circuitID := types.CircuitID(chi.URLParam(r, "circuitID"))
	circuit, err := s.admin.GetCircuit(r.Context(), circuitID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(circuit))
}

func (s *Server) handleGetPendingProposal(w http.ResponseWriter, r *http.Request) {
	circuitID := types.CircuitID(chi.URLParam(r, "circuitID"))
	proposal, err := s.admin.PendingProposal(r.Context(), circuitID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(proposal))
}

type voteRequest struct {
	Decision admin.VoteDecision `json:"decision"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	circuitID := types.CircuitID(chi.URLParam(r, "circuitID"))

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed request body"))
		return
	}
	if req.Decision != admin.VoteAccept && req.Decision != admin.VoteReject {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("decision must be accept or reject"))
		return
	}

	proposal, err := s.admin.PendingProposal(r.Context(), circuitID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	proposal, err = s.admin.CastVote(r.Context(), proposal.ID, req.Decision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(proposal))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	circuitID := types.CircuitID(chi.URLParam(r, "circuitID"))

	proposal, err := s.admin.PendingProposal(r.Context(), circuitID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.admin.Withdraw(r.Context(), proposal.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	circuitID := types.CircuitID(chi.URLParam(r, "circuitID"))
	if err := s.admin.Abandon(r.Context(), circuitID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	circuitID := types.CircuitID(chi.URLParam(r, "circuitID"))
	if err := s.admin.Purge(r.Context(), circuitID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) lookupService(w http.ResponseWriter, r *http.Request) (scabbard.Runner, bool) {
	circuitID := types.CircuitID(chi.URLParam(r, "circuitID"))
	serviceID := types.ServiceID(chi.URLParam(r, "serviceID"))

	runner, ok := s.services.Service(circuitID, serviceID)
	if !ok {
		s.writeJSON(w, http.StatusNotFound,
			NewErrorResponse(fmt.Sprintf("no running service %s on circuit %s", serviceID, circuitID)))
		return nil, false
	}
	return runner, true
}

type serviceInfo struct {
	Root    types.StateRoot `json:"root"`
	LastSeq types.SeqNum    `json:"last_seq"`
}

func (s *Server) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookupService(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(serviceInfo{
		Root:    runner.CurrentRoot(),
		LastSeq: runner.LastSeq(),
	}))
}

type submitBatchRequest struct {
	Ops []batch.Op `json:"ops"`
}

type submitBatchResponse struct {
	BatchID types.BatchID   `json:"batch_id"`
	Root    types.StateRoot `json:"root"`
	LastSeq types.SeqNum    `json:"last_seq"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookupService(w, r)
	if !ok {
		return
	}

	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed request body"))
		return
	}

	batchID, err := runner.SubmitBatch(r.Context(), req.Ops)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(submitBatchResponse{
		BatchID: batchID,
		Root:    runner.CurrentRoot(),
		LastSeq: runner.LastSeq(),
	}))
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookupService(w, r)
	if !ok {
		return
	}

	batchID := types.BatchID(chi.URLParam(r, "batchID"))
	status, ok := runner.BatchStatus(batchID)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("unknown batch"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(status))
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.lookupService(w, r)
	if !ok {
		return
	}

	key := types.Key(chi.URLParam(r, "key"))

	var version *types.Version
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed version"))
			return
		}
		ver := types.Version(v)
		version = &ver
	}

	value, err := runner.GetState(key, version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewDataResponse(value))
}
