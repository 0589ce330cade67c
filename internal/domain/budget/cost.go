// Package budget holds the cost model and window arithmetic of the budget
// controller. State persistence and suspension live in the budget service;
// this package is pure.
package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
)

// ErrNoPrice means the pricing catalog carries neither an exact entry for
// the model nor a wildcard fallback. Evaluation fails closed.
var ErrNoPrice = errors.New("no price for model and no wildcard fallback")

// Caps are the configured spending limits in USD. A zero cap disables
// that window.
type Caps struct {
	HourlyUSD float64
	DailyUSD  float64
}

// State is the singleton suspension row.
type State struct {
	Suspended   bool       `json:"suspended"`
	Reason      string     `json:"reason,omitempty"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	ResumedAt   *time.Time `json:"resumed_at,omitempty"`
	ResumedBy   string     `json:"resumed_by,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CostEvent is one append-only row of observed spend.
type CostEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	USDCost      float64   `json:"usd_cost"`
	RequestPath  string    `json:"request_path"`
}

// Cost computes the USD cost of a token count pair against the pricing
// catalog: tokens/1000 times the per-kilotoken price, input and output
// priced separately.
func Cost(pricing catalog.Pricing, model string, inputTokens, outputTokens int64) (float64, error) {
	price, ok := pricing.Price(model)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNoPrice, model)
	}
	return float64(inputTokens)/1000*price.InputPerKTok +
		float64(outputTokens)/1000*price.OutputPerKTok, nil
}

// HourlyWindowStart returns the start of the rolling 60-minute window
// ending at now.
func HourlyWindowStart(now time.Time) time.Time {
	return now.Add(-time.Hour)
}

// DailyWindowStart returns the start of the current UTC day.
func DailyWindowStart(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Overflow describes a cap crossing found by Evaluate.
type Overflow struct {
	Window    string  // "hourly" or "daily"
	Sum       float64 // spend already recorded in the window
	Projected float64 // cost being evaluated
	Cap       float64
}

// Reason renders the suspension reason, including the offending values.
func (o Overflow) Reason() string {
	return fmt.Sprintf("%s budget cap exceeded: %.2f > %.2f", o.Window, o.Sum+o.Projected, o.Cap)
}

// Evaluate checks both windows against the caps. It returns the first
// overflow (hourly before daily) or nil when the spend fits.
func Evaluate(caps Caps, hourlySum, dailySum, projected float64) *Overflow {
	if caps.HourlyUSD > 0 && hourlySum+projected > caps.HourlyUSD {
		return &Overflow{Window: "hourly", Sum: hourlySum, Projected: projected, Cap: caps.HourlyUSD}
	}
	if caps.DailyUSD > 0 && dailySum+projected > caps.DailyUSD {
		return &Overflow{Window: "daily", Sum: dailySum, Projected: projected, Cap: caps.DailyUSD}
	}
	return nil
}
