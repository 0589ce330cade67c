package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clawee-dev/clawee/internal/domain/decision"
)

func TestForwarder_BaseURLFallback(t *testing.T) {
	t.Parallel()
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	// No connector catalog: everything goes to the base URL.
	f := NewForwarder(upstream.URL, nil, nil, testLogger())
	req := &decision.Request{
		ID:     "req-1",
		Method: http.MethodPost,
		Path:   "v1/messages",
	}
	result, err := f.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("upstream path = %q, want /v1/messages", gotPath)
	}
	if result.Status != http.StatusOK {
		t.Errorf("status = %d", result.Status)
	}
	// No usage block reads as zero cost.
	if result.Usage.InputTokens != 0 || result.Usage.OutputTokens != 0 {
		t.Errorf("usage = %+v, want zero", result.Usage)
	}
}

func TestForwarder_NoEndpointConfigured(t *testing.T) {
	t.Parallel()
	f := NewForwarder("", nil, nil, testLogger())
	req := &decision.Request{Method: http.MethodPost, Path: "/v1/messages", Channel: "slack"}
	if _, err := f.Forward(context.Background(), req); err == nil {
		t.Fatal("forward succeeded with no endpoint")
	}
}
