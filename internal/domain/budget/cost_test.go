package budget

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
)

func testPricing() catalog.Pricing {
	return catalog.Pricing{Models: map[string]catalog.ModelPrice{
		"gpt-5": {InputPerKTok: 0.01, OutputPerKTok: 0.03},
		"*":     {InputPerKTok: 0.002, OutputPerKTok: 0.006},
	}}
}

func TestCost(t *testing.T) {
	t.Parallel()

	got, err := Cost(testPricing(), "gpt-5", 2000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	want := 2*0.01 + 1*0.03
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("cost = %f, want %f", got, want)
	}
}

func TestCost_WildcardFallback(t *testing.T) {
	t.Parallel()

	got, err := Cost(testPricing(), "unknown-model", 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-0.002) > 1e-9 {
		t.Errorf("cost = %f, want wildcard price 0.002", got)
	}
}

func TestCost_NoPriceFailsClosed(t *testing.T) {
	t.Parallel()

	pricing := catalog.Pricing{Models: map[string]catalog.ModelPrice{
		"gpt-5": {InputPerKTok: 0.01, OutputPerKTok: 0.03},
	}}
	if _, err := Cost(pricing, "unknown", 1, 1); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice", err)
	}
}

func TestEvaluate_HourlyOverflowReason(t *testing.T) {
	t.Parallel()

	caps := Caps{HourlyUSD: 1.00, DailyUSD: 10.00}
	o := Evaluate(caps, 0.99, 0.99, 0.05)
	if o == nil {
		t.Fatal("expected overflow")
	}
	if o.Window != "hourly" {
		t.Errorf("window = %q, want hourly", o.Window)
	}
	want := "hourly budget cap exceeded: 1.04 > 1.00"
	if o.Reason() != want {
		t.Errorf("reason = %q, want %q", o.Reason(), want)
	}
}

func TestEvaluate_DailyOverflow(t *testing.T) {
	t.Parallel()

	caps := Caps{HourlyUSD: 5.00, DailyUSD: 2.00}
	o := Evaluate(caps, 0.50, 1.99, 0.05)
	if o == nil || o.Window != "daily" {
		t.Fatalf("overflow = %+v, want daily", o)
	}
}

func TestEvaluate_WithinCaps(t *testing.T) {
	t.Parallel()

	if o := Evaluate(Caps{HourlyUSD: 1, DailyUSD: 10}, 0.50, 0.50, 0.40); o != nil {
		t.Fatalf("unexpected overflow %+v", o)
	}
	// Zero caps disable the window entirely.
	if o := Evaluate(Caps{}, 1e9, 1e9, 1e9); o != nil {
		t.Fatalf("zero caps must not overflow, got %+v", o)
	}
}

func TestWindows(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 15, 30, 0, 0, time.UTC)
	if got := HourlyWindowStart(now); !got.Equal(now.Add(-time.Hour)) {
		t.Errorf("hourly start = %v", got)
	}
	if got := DailyWindowStart(now); !got.Equal(time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("daily start = %v", got)
	}
}
