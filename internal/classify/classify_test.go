package classify

import (
	"strings"
	"testing"
)

func TestClassifyScenarios(t *testing.T) {
	cases := []struct {
		message    string
		category   Category
		maxRetries int
	}{
		{"ENOENT: no such file or directory", Permanent, 0},
		{"Rate limit exceeded", Transient, 5},
		{"Model is currently overloaded", Transient, 5},
		{"503 Service Unavailable", Transient, 3},
		{"Something went wrong", Unknown, 2},
	}
	for _, c := range cases {
		got := Classify(c.message)
		if got.Category != c.category {
			t.Errorf("Classify(%q).Category = %s, want %s", c.message, got.Category, c.category)
		}
		if got.MaxRetries != c.maxRetries {
			t.Errorf("Classify(%q).MaxRetries = %d, want %d", c.message, got.MaxRetries, c.maxRetries)
		}
	}
}

func TestClassifyLongUnknownReasonTruncated(t *testing.T) {
	msg := strings.Repeat("x", 300)
	got := Classify(msg)
	if got.Category != Unknown {
		t.Fatalf("expected unknown category, got %s", got.Category)
	}
	if len(got.Reason) != 200 {
		t.Errorf("expected reason truncated to 200 chars, got %d", len(got.Reason))
	}
}

func TestClassifyCaseInsensitiveFirstMatchWins(t *testing.T) {
	// "timeout" appears in the transient/timeout row; it must not fall
	// through to the unknown bucket just because of casing.
	got := Classify("Request TIMEOUT after 30s")
	if got.Category != Transient || got.Reason != "Analysis timed out" {
		t.Errorf("unexpected classification: %+v", got)
	}
}

func TestClassifyPermanentPatterns(t *testing.T) {
	cases := []string{
		"prompt file not found: /etc/prompt.md",
		"invalid session header",
		"empty session: no entries",
		"schema validation failed: missing classification",
		"missing required skills: transcript-analysis",
	}
	for _, msg := range cases {
		got := Classify(msg)
		if got.Category != Permanent {
			t.Errorf("Classify(%q) = %s, want permanent", msg, got.Category)
		}
		if got.Retryable {
			t.Errorf("Classify(%q) should not be retryable", msg)
		}
	}
}

func TestCalculateRetryDelayBoundaries(t *testing.T) {
	if got := CalculateRetryDelay(0, DefaultPolicy); got != 60 {
		t.Errorf("retryCount=0: got %v want 60", got)
	}
	if got := CalculateRetryDelay(1, DefaultPolicy); got != 120 {
		t.Errorf("retryCount=1: got %v want 120", got)
	}
	if got := CalculateRetryDelay(2, DefaultPolicy); got != 240 {
		t.Errorf("retryCount=2: got %v want 240", got)
	}
	if got := CalculateRetryDelay(20, DefaultPolicy); got != 3600 {
		t.Errorf("retryCount=20: got %v want capped at 3600", got)
	}
}

func TestCalculateRetryDelayMinutesRoundsUp(t *testing.T) {
	policy := DefaultPolicy
	policy.BaseDelaySeconds = 90
	if got := CalculateRetryDelayMinutes(0, policy); got != 2 {
		t.Errorf("got %d want 2 (ceil of 1.5)", got)
	}
}

func TestCalculateRetryDelayCustomPolicy(t *testing.T) {
	policy := Policy{MaxRetries: 3, BaseDelaySeconds: 10, MaxDelaySeconds: 100, BackoffMultiplier: 3}
	want := []float64{10, 30, 90, 100}
	for n, w := range want {
		if got := CalculateRetryDelay(n, policy); got != w {
			t.Errorf("n=%d: got %v want %v", n, got, w)
		}
	}
}

func TestClassifyWithContextShouldRetry(t *testing.T) {
	res := ClassifyWithContext("ETIMEDOUT", 0, 3, DefaultPolicy)
	if !res.ShouldRetry {
		t.Error("expected retry on first timeout")
	}
	if res.RetryDelaySeconds != 60 {
		t.Errorf("expected 60s delay, got %v", res.RetryDelaySeconds)
	}

	res = ClassifyWithContext("ETIMEDOUT", 3, 10, DefaultPolicy)
	if res.ShouldRetry {
		t.Error("expected retry exhausted at category max (3) even though job maxRetries is higher")
	}

	res = ClassifyWithContext("ENOENT: missing", 0, 3, DefaultPolicy)
	if res.ShouldRetry {
		t.Error("permanent errors must never retry")
	}
}
