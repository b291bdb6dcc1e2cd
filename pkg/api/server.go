package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tetrad-labs/countersign/pkg/approval"
	"github.com/tetrad-labs/countersign/pkg/cache"
	"github.com/tetrad-labs/countersign/pkg/ledger"
	"github.com/tetrad-labs/countersign/pkg/pipeline"
)

// Deps carries the server's collaborators. Pipeline, Queue and Ledger
// are required; Auth and Quota are optional.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Queue    approval.Queue
	Ledger   ledger.Store
	Auth     *ApproverAuth
	Quota    *cache.QuotaLimiter
	Logger   *slog.Logger

	RateLimitRPS   int
	RateLimitBurst int
}

// Server exposes the pipeline over HTTP.
type Server struct {
	deps  Deps
	clock func() time.Time
}

// NewServer validates deps and builds the server.
func NewServer(deps Deps) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("api: Pipeline is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("api: Queue is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("api: Ledger is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RateLimitRPS <= 0 {
		deps.RateLimitRPS = 10
	}
	if deps.RateLimitBurst <= 0 {
		deps.RateLimitBurst = 2 * deps.RateLimitRPS
	}
	return &Server{deps: deps, clock: time.Now}, nil
}

// Handler returns the routed handler wrapped in the middleware stack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/process", s.handleProcess)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /v1/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/decision", s.handleDecision)
	mux.HandleFunc("GET /v1/ledger/verify", s.handleLedgerVerify)
	mux.HandleFunc("GET /v1/ledger/stats", s.handleLedgerStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	limiter := NewGlobalRateLimiter(s.deps.RateLimitRPS, s.deps.RateLimitBurst)

	var h http.Handler = mux
	h = WithBodyLimit(h)
	h = limiter.Middleware(h)
	h = WithAccessLog(s.deps.Logger, h)
	h = WithRequestID(h)
	return h
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.UserInput == "" {
		WriteBadRequest(w, "user_input is required")
		return
	}
	if req.UserID == "" {
		WriteBadRequest(w, "user_id is required")
		return
	}

	if s.deps.Quota != nil {
		ok, err := s.deps.Quota.Allow(r.Context(), req.UserID)
		if err != nil {
			s.deps.Logger.Warn("quota check failed", "error", err)
		} else if !ok {
			WriteTooManyRequests(w, 60)
			return
		}
	}

	res, err := s.deps.Pipeline.Process(r.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrAllParsersFailed) {
			WriteUnprocessable(w, "no parser produced a valid intent")
			return
		}
		WriteInternal(w, err)
		return
	}

	status := http.StatusOK
	if res.Status == pipeline.StatusPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// approvalView is the wire shape for a queued request.
type approvalView struct {
	ID        uuid.UUID                 `json:"id"`
	Status    approval.Status           `json:"status"`
	UserID    string                    `json:"user_id"`
	SessionID string                    `json:"session_id"`
	Reason    string                    `json:"reason"`
	CreatedAt time.Time                 `json:"created_at"`
	Pending   *approval.PendingApproval `json:"pending,omitempty"`
	Decision  *approval.Decision        `json:"decision,omitempty"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Queue.ListPending(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "approval ID must be a UUID")
		return
	}

	pending, err := s.deps.Queue.GetPending(r.Context(), id)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			WriteNotFound(w, "no such approval request")
			return
		}
		WriteInternal(w, err)
		return
	}

	status, err := s.deps.Queue.StatusOf(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	view := approvalView{
		ID:        pending.ID,
		Status:    status,
		UserID:    pending.UserID,
		SessionID: pending.SessionID,
		Reason:    pending.Reason,
		CreatedAt: pending.CreatedAt,
		Pending:   &pending,
	}
	if status != approval.StatusPending {
		if dec, ok, err := s.deps.Queue.GetDecision(r.Context(), id); err == nil && ok {
			view.Decision = &dec
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// decisionRequest is the wire shape for a verdict.
type decisionRequest struct {
	Approved   bool   `json:"approved"`
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "approval ID must be a UUID")
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	approverID := req.ApproverID
	if s.deps.Auth != nil {
		// The verified token subject is authoritative.
		sub, err := s.deps.Auth.ApproverFromRequest(r)
		if err != nil {
			WriteUnauthorized(w, "a valid approver token is required")
			return
		}
		approverID = sub
	}
	if approverID == "" {
		WriteBadRequest(w, "approver_id is required")
		return
	}

	dec := approval.Decision{
		Approved:   req.Approved,
		ApproverID: approverID,
		Reason:     req.Reason,
		DecidedAt:  s.clock().UTC(),
	}
	if err := s.deps.Queue.SubmitDecision(r.Context(), id, dec); err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			WriteNotFound(w, "no such approval request")
		case errors.Is(err, approval.ErrAlreadyDecided):
			WriteConflict(w, "a decision has already been recorded for this request")
		default:
			WriteInternal(w, err)
		}
		return
	}

	res, err := s.deps.Pipeline.ResumeApproved(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	valid, reason, err := s.deps.Ledger.Verify(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	head, seq, err := s.deps.Ledger.Head(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":     valid,
		"reason":    reason,
		"head_hash": head,
		"sequence":  seq,
	})
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Ledger.Stats(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.deps.Ledger.Head(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Not Ready", "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
