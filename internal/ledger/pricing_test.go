package ledger

import (
	"testing"
)

func testPricer() *Pricer {
	return &Pricer{
		ToolCallCents:         1,
		InputPerMillionCents:  300,
		OutputPerMillionCents: 1500,
	}
}

func TestPriceUsage_ZeroUsageIsFree(t *testing.T) {
	c := testPricer().PriceUsage(0, 0, 0)
	if c.TotalCents != 0 {
		t.Fatalf("expected zero cost, got %d", c.TotalCents)
	}
	if len(c.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(c.Items))
	}
	for _, item := range c.Items {
		if item.AmountCents != 0 {
			t.Fatalf("expected zero cost for %s, got %d", item.Kind, item.AmountCents)
		}
	}
}

func TestPriceUsage_ToolCalls(t *testing.T) {
	c := testPricer().PriceUsage(7, 0, 0)
	if c.TotalCents != 7 {
		t.Fatalf("expected 7 cents for 7 tool calls, got %d", c.TotalCents)
	}
}

func TestPriceUsage_TokenFloorOneCent(t *testing.T) {
	// A single token rounds to zero but still costs one cent.
	c := testPricer().PriceUsage(0, 1, 0)
	if c.TotalCents != 1 {
		t.Fatalf("expected 1 cent floor for a single input token, got %d", c.TotalCents)
	}

	c = testPricer().PriceUsage(0, 0, 1)
	if c.TotalCents != 1 {
		t.Fatalf("expected 1 cent floor for a single output token, got %d", c.TotalCents)
	}
}

func TestPriceUsage_TokenRounding(t *testing.T) {
	// 1M input tokens at 300 cents per million = 300 cents exactly.
	c := testPricer().PriceUsage(0, 1_000_000, 0)
	if c.TotalCents != 300 {
		t.Fatalf("expected 300 cents for 1M input tokens, got %d", c.TotalCents)
	}

	// 10k input tokens = 3 cents exactly.
	c = testPricer().PriceUsage(0, 10_000, 0)
	if c.TotalCents != 3 {
		t.Fatalf("expected 3 cents for 10k input tokens, got %d", c.TotalCents)
	}

	// 5k input tokens = 1.5 cents, rounds to 2.
	c = testPricer().PriceUsage(0, 5_000, 0)
	if c.TotalCents != 2 {
		t.Fatalf("expected 2 cents for 5k input tokens, got %d", c.TotalCents)
	}
}

func TestPriceUsage_MixedUsage(t *testing.T) {
	// 3 tool calls + 10k input + 2k output = 3 + 3 + 3 = 9 cents.
	c := testPricer().PriceUsage(3, 10_000, 2_000)
	if c.TotalCents != 9 {
		t.Fatalf("expected 9 cents, got %d", c.TotalCents)
	}

	var sum int64
	for _, item := range c.Items {
		sum += item.AmountCents
	}
	if sum != c.TotalCents {
		t.Fatalf("item sum %d does not match total %d", sum, c.TotalCents)
	}
}

func TestPriceUsage_NegativeCountersClampToZero(t *testing.T) {
	c := testPricer().PriceUsage(-5, -100, -1)
	if c.TotalCents != 0 {
		t.Fatalf("expected zero cost for negative counters, got %d", c.TotalCents)
	}
	for _, item := range c.Items {
		if item.Units != 0 {
			t.Fatalf("expected clamped units for %s, got %d", item.Kind, item.Units)
		}
	}
}
