package gate

import (
	"fmt"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
)

// EvaluateModel requires an approved registry entry for (model, modality)
// whose validity window contains now. Wildcard registrations for the same
// modality serve as the fallback. Requests that name no model pass; the
// registry only constrains model traffic.
func EvaluateModel(registry catalog.ModelRegistry, model, modality string, now time.Time) decision.Decision {
	if model == "" {
		return decision.Allowed(GateModel)
	}
	if modality == "" {
		modality = "text"
	}

	candidates := registry.Candidates(model, modality)
	if len(candidates) == 0 {
		return decision.Blocked(GateModel, decision.RiskHigh,
			fmt.Sprintf("model %q (%s) has no registry entry", model, modality),
			"model:unregistered:"+model)
	}
	for _, entry := range candidates {
		if entry.CurrentlyValid(now) {
			return decision.Allowed(GateModel)
		}
	}
	return decision.Blocked(GateModel, decision.RiskHigh,
		fmt.Sprintf("model %q (%s) has no currently valid approved entry", model, modality),
		"model:not-approved:"+model)
}
