// Package control serves the token-authenticated operator surface: status,
// invariants, approvals, budget resume, attestation export and verify, and
// catalog hot-reload. The Prometheus scrape endpoint shares the listener
// but skips token auth.
package control

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawee-dev/clawee/internal/domain/approval"
	"github.com/clawee-dev/clawee/internal/domain/budget"
	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
	"github.com/clawee-dev/clawee/internal/service"
)

const defaultListLimit = 100

// Handler provides the control-plane JSON API.
type Handler struct {
	catalogs   *catalog.Store
	manager    *service.CatalogManager
	approvals  *service.ApprovalService
	budgets    *service.BudgetService
	attests    *service.AttestService
	invariants *invariant.Registry
	recorder   *service.AuditRecorder
	limiter    *TokenLimiter
	metrics    *Metrics
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	startTime  time.Time
	version    string
}

// Option configures a Handler dependency.
type Option func(*Handler)

// WithCatalogManager sets the catalog manager and its live store.
func WithCatalogManager(m *service.CatalogManager) Option {
	return func(h *Handler) {
		h.manager = m
		h.catalogs = m.Store()
	}
}

// WithApprovalService sets the approval service.
func WithApprovalService(s *service.ApprovalService) Option {
	return func(h *Handler) { h.approvals = s }
}

// WithBudgetService sets the budget service.
func WithBudgetService(s *service.BudgetService) Option {
	return func(h *Handler) { h.budgets = s }
}

// WithAttestService sets the attestation service.
func WithAttestService(s *service.AttestService) Option {
	return func(h *Handler) { h.attests = s }
}

// WithInvariants sets the invariant registry.
func WithInvariants(r *invariant.Registry) Option {
	return func(h *Handler) { h.invariants = r }
}

// WithAuditRecorder sets the audit recorder, read for its drop counter.
func WithAuditRecorder(r *service.AuditRecorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// WithLimiter sets the per-token rate limiter.
func WithLimiter(l *TokenLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithGatherer sets the registry served on the scrape endpoint.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithVersion sets the reported build version.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// NewHandler creates a Handler with the given options.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns an http.Handler with all control routes registered. The
// scrape endpoint is reachable without a token; everything under
// /_clawee/control/ goes through the auth middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	protected := http.NewServeMux()
	protected.HandleFunc("GET /_clawee/control/status", h.handleStatus)
	protected.HandleFunc("GET /_clawee/control/metrics", h.handleMetrics)
	protected.HandleFunc("GET /_clawee/control/security/invariants", h.handleInvariants)
	protected.HandleFunc("POST /_clawee/control/security/conformance/export", h.handleConformanceExport)
	protected.HandleFunc("POST /_clawee/control/security/conformance/verify", h.handleConformanceVerify)
	protected.HandleFunc("GET /_clawee/control/approvals", h.handleListApprovals)
	protected.HandleFunc("POST /_clawee/control/approvals/approve", h.handleApprove)
	protected.HandleFunc("POST /_clawee/control/approvals/deny", h.handleDeny)
	protected.HandleFunc("POST /_clawee/control/approvals/attest", h.handleApprovalAttest)
	protected.HandleFunc("POST /_clawee/control/budget/resume", h.handleBudgetResume)
	protected.HandleFunc("POST /_clawee/control/reload/{catalog}", h.handleReload)

	mux.Handle("/_clawee/control/", h.authMiddleware(protected))
	return mux
}

type statusResponse struct {
	Service          string               `json:"service"`
	Version          string               `json:"version,omitempty"`
	UptimeSeconds    float64              `json:"uptime_seconds"`
	Catalogs         []catalog.Descriptor `json:"catalogs"`
	Budget           budget.State         `json:"budget"`
	PendingApprovals int                  `json:"pending_approvals"`
	Invariants       invariant.Summary    `json:"invariants"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	budgetState, err := h.budgets.State(ctx)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "budget state unavailable")
		return
	}
	pending, err := h.approvals.List(ctx, approval.StatusPending, defaultListLimit)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "approval store unavailable")
		return
	}

	h.respondJSON(w, http.StatusOK, statusResponse{
		Service:          "clawee",
		Version:          h.version,
		UptimeSeconds:    time.Since(h.startTime).Seconds(),
		Catalogs:         h.catalogs.Current().Descriptors(),
		Budget:           budgetState,
		PendingApprovals: len(pending),
		Invariants:       invariant.Summarize(h.invariants.Snapshot()),
	})
}

type metricsResponse struct {
	Invariants      []invariant.State `json:"invariants"`
	Summary         invariant.Summary `json:"summary"`
	RateLimitKeys   int               `json:"rate_limit_keys"`
	AuditDropped    int64             `json:"audit_dropped"`
	BudgetSuspended bool              `json:"budget_suspended"`
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	states := h.invariants.Snapshot()
	resp := metricsResponse{
		Invariants: states,
		Summary:    invariant.Summarize(states),
	}
	if h.limiter != nil {
		resp.RateLimitKeys = h.limiter.Size()
	}
	if h.recorder != nil {
		resp.AuditDropped = h.recorder.DroppedRecords()
	}
	if state, err := h.budgets.State(r.Context()); err == nil {
		resp.BudgetSuspended = state.Suspended
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInvariants(w http.ResponseWriter, _ *http.Request) {
	states := h.invariants.Snapshot()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"invariants": states,
		"summary":    invariant.Summarize(states),
	})
}

type exportRequest struct {
	Since time.Time `json:"since,omitzero"`
	Limit int       `json:"limit,omitempty"`
}

func (h *Handler) handleConformanceExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	seal, err := h.attests.ExportSealed(r.Context(), service.LedgerConformance, req.Since, req.Limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, fmt.Sprintf("conformance export failed: %v", err))
		return
	}
	h.respondJSON(w, http.StatusOK, seal)
}

type verifyRequest struct {
	Ledger   string `json:"ledger,omitempty"`
	Deep     bool   `json:"deep,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`
}

func (h *Handler) handleConformanceVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A snapshot path verifies one payload file; a ledger name walks that
	// ledger's seal chain.
	if req.Snapshot != "" {
		res, err := h.attests.VerifyPayloadFile(req.Snapshot)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, fmt.Sprintf("verify snapshot: %v", err))
			return
		}
		h.respondJSON(w, http.StatusOK, res)
		return
	}
	if req.Ledger == "" {
		h.respondError(w, http.StatusBadRequest, "ledger or snapshot required")
		return
	}
	res, err := h.attests.VerifyChain(req.Ledger, req.Deep)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("verify chain: %v", err))
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := approval.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = approval.StatusPending
	}
	limit := queryInt(r, "limit", defaultListLimit)

	records, err := h.approvals.List(r.Context(), status, limit)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "approval store unavailable")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"approvals": records,
		"count":     len(records),
	})
}

type approveRequest struct {
	ID    string `json:"id"`
	Actor string `json:"actor"`
	Role  string `json:"role"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := h.readJSON(r, &req); err != nil || req.ID == "" || req.Actor == "" || req.Role == "" {
		h.respondError(w, http.StatusBadRequest, "id, actor, and role are required")
		return
	}

	// The asserted role must be one the authenticating token carries; an
	// operator cannot vote with a role their credential does not grant.
	actor, ok := ActorFromContext(r.Context())
	if !ok || !actor.HasRole(req.Role) {
		h.respondError(w, http.StatusForbidden, fmt.Sprintf("token does not carry role %q", req.Role))
		return
	}

	rec, err := h.approvals.Approve(r.Context(), req.ID, req.Actor, req.Role)
	if err != nil {
		h.respondApprovalError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ApprovalsTotal.WithLabelValues(string(rec.Status)).Inc()
	}
	h.respondJSON(w, http.StatusOK, rec)
}

type denyRequest struct {
	ID     string `json:"id"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	if err := h.readJSON(r, &req); err != nil || req.ID == "" || req.Actor == "" {
		h.respondError(w, http.StatusBadRequest, "id and actor are required")
		return
	}
	rec, err := h.approvals.Deny(r.Context(), req.ID, req.Actor, req.Reason)
	if err != nil {
		h.respondApprovalError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ApprovalsTotal.WithLabelValues(string(rec.Status)).Inc()
	}
	h.respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleApprovalAttest(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	seal, err := h.attests.ExportSealed(r.Context(), service.LedgerApproval, req.Since, req.Limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, fmt.Sprintf("approval ledger export failed: %v", err))
		return
	}
	h.respondJSON(w, http.StatusOK, seal)
}

type resumeRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) handleBudgetResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := h.readJSON(r, &req); err != nil || req.Actor == "" {
		h.respondError(w, http.StatusBadRequest, "actor is required")
		return
	}
	if err := h.budgets.Resume(r.Context(), req.Actor); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "budget store unavailable")
		return
	}
	if h.metrics != nil {
		h.metrics.BudgetSuspended.Set(0)
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("catalog")
	desc, err := h.manager.Reload(r.Context(), name)
	if err != nil {
		if strings.Contains(err.Error(), "unknown catalog") {
			h.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		// The previous snapshot stays live; the caller gets the load error.
		h.respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("reload failed: %v", err))
		return
	}
	h.respondJSON(w, http.StatusOK, desc)
}

// respondApprovalError maps approval state machine errors to status codes.
func (h *Handler) respondApprovalError(w http.ResponseWriter, err error) {
	switch {
	case strings.Contains(err.Error(), "not found"):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, approval.ErrDuplicateActor):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	}
}
