package gate

import (
	"fmt"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
)

// EvaluateDestination checks a channel destination against the compiled
// regex policy for the request's channel. A deny match wins outright; the
// remaining resolution depends on the scope mode (see catalog.DestinationScope).
// Requests without a destination pass.
func EvaluateDestination(rules catalog.DestinationRules, channel, destination string) decision.Decision {
	if destination == "" {
		return decision.Allowed(GateDestination)
	}

	scope := rules.Scope(channel)
	allowed, pattern := scope.Evaluate(destination)
	if allowed {
		return decision.Allowed(GateDestination)
	}

	if pattern != "" {
		return decision.Blocked(GateDestination, decision.RiskMedium,
			fmt.Sprintf("destination %q on channel %q matched deny pattern %q", destination, channelName(channel), pattern),
			"destination:deny-pattern:"+pattern)
	}
	return decision.Blocked(GateDestination, decision.RiskMedium,
		fmt.Sprintf("destination %q on channel %q matched no allow pattern", destination, channelName(channel)),
		"destination:no-allow-match")
}
