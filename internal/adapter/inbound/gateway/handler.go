// Package gateway serves the agent ingress: one endpoint that normalizes
// the agent envelope, runs the gate pipeline, and forwards allowed requests
// upstream, folding observed cost back into the budget.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clawee-dev/clawee/internal/adapter/inbound/control"
	"github.com/clawee-dev/clawee/internal/ctxkey"
	"github.com/clawee-dev/clawee/internal/domain/decision"
	"github.com/clawee-dev/clawee/internal/port/inbound"
	"github.com/clawee-dev/clawee/internal/service"
)

// Handler is the agent-facing HTTP surface.
type Handler struct {
	pipeline  inbound.Pipeline
	replays   *service.ReplayService
	forwarder *Forwarder
	metrics   *control.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Handler dependency.
type Option func(*Handler)

// WithReplayService sets the replay guard run before the pipeline.
func WithReplayService(s *service.ReplayService) Option {
	return func(h *Handler) { h.replays = s }
}

// WithForwarder sets the upstream forwarder. Without one, the gateway
// returns decisions without forwarding.
func WithForwarder(f *Forwarder) Option {
	return func(h *Handler) { h.forwarder = f }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *control.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates the gateway over the gate pipeline.
func NewHandler(pipeline inbound.Pipeline, opts ...Option) *Handler {
	h := &Handler{
		pipeline: pipeline,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the gateway routes.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/gate", h.handleGate)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return h.withRequestContext(mux)
}

// withRequestContext assigns every request an id, honoring an inbound
// X-Request-Id so agent-side traces correlate, and stores the id plus a
// request-scoped logger in the context.
func (h *Handler) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, id)
		ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, h.logger.With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestIDFrom returns the id stored by withRequestContext.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// loggerFrom returns the request-scoped logger, falling back to the
// handler logger.
func (h *Handler) loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return l
	}
	return h.logger
}

// gateEnvelope is the agent request envelope.
type gateEnvelope struct {
	Method                string          `json:"method"`
	Path                  string          `json:"path"`
	Target                string          `json:"target,omitempty"`
	Channel               string          `json:"channel,omitempty"`
	Action                string          `json:"action,omitempty"`
	Destination           string          `json:"destination,omitempty"`
	Model                 string          `json:"model,omitempty"`
	Modality              string          `json:"modality,omitempty"`
	Tools                 []string        `json:"tools,omitempty"`
	Body                  json.RawMessage `json:"body,omitempty"`
	Metadata              json.RawMessage `json:"metadata,omitempty"`
	ProjectedInputTokens  int64           `json:"projected_input_tokens,omitempty"`
	ProjectedOutputTokens int64           `json:"projected_output_tokens,omitempty"`
	Nonce                 string          `json:"nonce,omitempty"`
	EventKey              string          `json:"event_key,omitempty"`
}

// gateResponse is what the agent gets back: the decision, plus the
// upstream response when the request was forwarded.
type gateResponse struct {
	RequestID      string            `json:"request_id"`
	Decision       decision.Decision `json:"result"`
	Kind           decision.Kind     `json:"kind,omitempty"`
	UpstreamStatus int               `json:"upstream_status,omitempty"`
	Response       json.RawMessage   `json:"response,omitempty"`
}

func (h *Handler) handleGate(w http.ResponseWriter, r *http.Request) {
	started := h.now()
	ctx := r.Context()

	var env gateEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request envelope"})
		return
	}
	if env.Method == "" || env.Path == "" {
		h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "method and path are required"})
		return
	}

	req := &decision.Request{
		ID:                    requestIDFrom(ctx),
		ReceivedAt:            started.UTC(),
		Method:                env.Method,
		Path:                  env.Path,
		Target:                env.Target,
		Channel:               env.Channel,
		Action:                env.Action,
		Destination:           env.Destination,
		Model:                 env.Model,
		Modality:              env.Modality,
		Tools:                 env.Tools,
		Body:                  env.Body,
		Metadata:              env.Metadata,
		ProjectedInputTokens:  env.ProjectedInputTokens,
		ProjectedOutputTokens: env.ProjectedOutputTokens,
		Nonce:                 env.Nonce,
		EventKey:              env.EventKey,
	}

	if h.replays != nil {
		if err := h.replays.Check(ctx, req); err != nil {
			h.respondDenial(ctx, w, req, err, started)
			return
		}
	}

	d, err := h.pipeline.Evaluate(ctx, req)
	if err != nil {
		h.respondDenial(ctx, w, req, err, started)
		return
	}

	h.observe(d.Gate, string(d.Outcome), started)
	switch d.Outcome {
	case decision.OutcomeBlock:
		h.respondJSON(w, http.StatusForbidden, gateResponse{RequestID: req.ID, Decision: d})
		return
	case decision.OutcomeRequireApproval:
		h.respondJSON(w, http.StatusAccepted, gateResponse{RequestID: req.ID, Decision: d})
		return
	}

	if h.forwarder == nil {
		h.respondJSON(w, http.StatusOK, gateResponse{RequestID: req.ID, Decision: d})
		return
	}

	result, err := h.forwarder.Forward(ctx, req)
	if err != nil {
		h.loggerFrom(ctx).ErrorContext(ctx, "upstream forward failed", "error", err)
		h.respondJSON(w, http.StatusBadGateway, gateResponse{
			RequestID: req.ID,
			Decision:  d,
			Kind:      decision.KindTransientBackend,
		})
		return
	}
	if err := h.pipeline.RecordActual(ctx, req, result.Usage.InputTokens, result.Usage.OutputTokens); err != nil {
		// The upstream call already happened; cost recording failure must
		// not turn a delivered request into an error for the agent.
		h.loggerFrom(ctx).ErrorContext(ctx, "actual cost recording failed", "error", err)
	}

	h.respondJSON(w, http.StatusOK, gateResponse{
		RequestID:      req.ID,
		Decision:       d,
		UpstreamStatus: result.Status,
		Response:       result.Body,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondDenial maps a gate error to its HTTP status and response body.
func (h *Handler) respondDenial(ctx context.Context, w http.ResponseWriter, req *decision.Request, err error, started time.Time) {
	kind := decision.KindOf(err)
	resp := gateResponse{
		RequestID: req.ID,
		Kind:      kind,
		Decision:  decision.Decision{Outcome: decision.OutcomeBlock},
	}
	var ge *decision.GateError
	if errors.As(err, &ge) {
		resp.Decision.Gate = ge.Gate
		resp.Decision.Reason = ge.Reason
		resp.Decision.MatchedSignals = ge.Signals
	}

	h.observe(resp.Decision.Gate, string(kind), started)
	if h.metrics != nil && kind == decision.KindReplayDetected {
		h.metrics.ReplayBlocksTotal.Inc()
	}
	h.loggerFrom(ctx).WarnContext(ctx, "request denied",
		"kind", kind,
		"gate", resp.Decision.Gate,
		"reason", resp.Decision.Reason,
	)
	h.respondJSON(w, kind.HTTPStatus(), resp)
}

func (h *Handler) observe(gate, outcome string, started time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.GateDecisionsTotal.WithLabelValues(gate, outcome).Inc()
	h.metrics.RequestDuration.WithLabelValues(outcome).Observe(h.now().Sub(started).Seconds())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}
