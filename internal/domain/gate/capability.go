package gate

import (
	"fmt"
	"strings"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
)

// actionToolExecute gates a tool batch as a whole before individual tool
// names are checked.
const actionToolExecute = "tool.execute"

// EvaluateCapability resolves the capability scope for the request's
// channel and applies deny-first tool and action checks. Per-channel rules
// override the default scope wholesale.
func EvaluateCapability(rules catalog.CapabilityRules, req *decision.Request) decision.Decision {
	scope := rules.Scope(req.Channel)

	if req.Action != "" {
		if !scope.AllowsAction(req.Action) {
			return decision.Blocked(GateCapability, decision.RiskMedium,
				fmt.Sprintf("action %q is not permitted on channel %q", req.Action, channelName(req.Channel)),
				"capability:denied-action:"+strings.ToLower(req.Action))
		}
	}

	if len(req.Tools) > 0 {
		// The batch itself needs the tool.execute capability before any
		// per-tool resolution happens.
		if !scope.AllowsAction(actionToolExecute) {
			return decision.Blocked(GateCapability, decision.RiskMedium,
				fmt.Sprintf("tool execution is not permitted on channel %q", channelName(req.Channel)),
				"capability:denied-action:"+actionToolExecute)
		}
		for _, tool := range req.Tools {
			if !scope.AllowsTool(tool) {
				return decision.Blocked(GateCapability, decision.RiskMedium,
					fmt.Sprintf("tool %q is not permitted on channel %q", tool, channelName(req.Channel)),
					"capability:denied-tool:"+strings.ToLower(tool))
			}
		}
	}

	return decision.Allowed(GateCapability)
}

func channelName(channel string) string {
	if channel == "" {
		return "default"
	}
	return strings.ToLower(channel)
}
