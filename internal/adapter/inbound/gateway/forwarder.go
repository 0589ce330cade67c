package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
)

// maxUpstreamBody bounds how much of an upstream response the forwarder
// will buffer.
const maxUpstreamBody = 4 << 20

// Usage is the token usage block reported by the upstream, when present.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// UpstreamResult carries the upstream response back to the gate handler.
type UpstreamResult struct {
	Status int
	Body   json.RawMessage
	Usage  Usage
}

// Forwarder dispatches allowed requests upstream. A channel with a
// connector catalog entry goes to that connector's endpoint under its own
// timeout; everything else goes to the configured upstream base URL.
type Forwarder struct {
	client   *http.Client
	catalogs *catalog.Store
	upstream string
	logger   *slog.Logger
}

// NewForwarder builds a forwarder over the given upstream base URL. The
// client's own timeout is the outer bound; connector timeouts tighten it
// per dispatch.
func NewForwarder(upstream string, catalogs *catalog.Store, client *http.Client, logger *slog.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		client:   client,
		catalogs: catalogs,
		upstream: strings.TrimRight(upstream, "/"),
		logger:   logger,
	}
}

// Forward performs the upstream call for an allowed request and parses the
// usage block out of the response body.
func (f *Forwarder) Forward(ctx context.Context, req *decision.Request) (*UpstreamResult, error) {
	endpoint, timeout := f.resolve(req)
	if endpoint == "" {
		return nil, fmt.Errorf("no upstream for channel %q and no base URL configured", req.Channel)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Clawee-Request-Id", req.ID)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	result := &UpstreamResult{Status: resp.StatusCode, Body: body}
	var envelope struct {
		Usage Usage `json:"usage"`
	}
	// A response without a usage block records zero cost.
	if err := json.Unmarshal(body, &envelope); err == nil {
		result.Usage = envelope.Usage
	}
	return result, nil
}

// resolve picks the endpoint and deadline for the request.
func (f *Forwarder) resolve(req *decision.Request) (string, time.Duration) {
	if req.Channel != "" && f.catalogs != nil {
		if conn, ok := f.catalogs.Current().Connectors.Rules.Lookup(req.Channel); ok {
			return conn.Endpoint, conn.Timeout()
		}
	}
	if f.upstream == "" {
		return "", 0
	}
	path := req.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return f.upstream + path, f.client.Timeout
}
