// Package decision defines the request context evaluated by the gate
// pipeline and the decision vocabulary shared by every gate.
package decision

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/clawee-dev/clawee/pkg/canonical"
)

// Request is the normalized view of one outbound agent request, assembled
// by the gateway before the pipeline runs. Actor identity and roles are
// asserted by the enclosing ingress layer.
type Request struct {
	// ID is the gateway-assigned request id.
	ID string
	// ReceivedAt is when the gateway accepted the request.
	ReceivedAt time.Time
	// Method is the HTTP method of the intended upstream call.
	Method string
	// Path is the upstream request path.
	Path string
	// Target is the absolute URL of the intended outbound target.
	Target string
	// Channel identifies the messaging channel for connector dispatch.
	Channel string
	// Action is the channel action (for example "message.send" or "tool.execute").
	Action string
	// Destination is the channel destination checked by destination policy.
	Destination string
	// Model and Modality select the model registry entry being exercised.
	Model    string
	Modality string
	// Tools lists the tool names requested in this batch.
	Tools []string
	// Body is the raw request payload. Policy matching inspects a
	// lowercased rendering of it.
	Body json.RawMessage
	// Metadata is an opaque JSON document carried into approval records.
	Metadata json.RawMessage
	// ProjectedInputTokens and ProjectedOutputTokens feed the projected
	// budget check.
	ProjectedInputTokens  int64
	ProjectedOutputTokens int64
	// Nonce and EventKey are replay-protection identifiers, when present.
	Nonce    string
	EventKey string
}

// Fingerprint returns the canonical hash of the fields that identify an
// approvable operation. Tool names are lowercased and sorted and the body
// is folded in as its own hash, so equivalent requests converge on the
// same pending approval.
func (r *Request) Fingerprint() (string, error) {
	tools := make([]string, len(r.Tools))
	for i, t := range r.Tools {
		tools[i] = strings.ToLower(t)
	}
	sort.Strings(tools)

	return canonical.Fingerprint(map[string]any{
		"method":    strings.ToUpper(r.Method),
		"path":      r.Path,
		"channel":   strings.ToLower(r.Channel),
		"action":    strings.ToLower(r.Action),
		"model":     r.Model,
		"tools":     tools,
		"body_hash": canonical.HashBytes(r.Body),
	})
}

// LoweredBody returns the lowercased rendering of the body used for
// pattern matching. The match operates on the raw JSON text.
func (r *Request) LoweredBody() string {
	return strings.ToLower(string(r.Body))
}
