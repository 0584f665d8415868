package signals

import (
	"testing"
	"time"

	"github.com/ppiankov/sessiongraphd/internal/session"
)

func entry(id, raw string) session.Entry {
	return session.Entry{ID: id, Raw: []byte(raw)}
}

func TestIsAbandonedRestart(t *testing.T) {
	prior := &PriorNode{
		EndTimestamp:  time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		OutcomeFailed: true,
		FilesTouched:  []string{"a.go", "b.go", "c.go"},
	}

	start := prior.EndTimestamp.Add(30 * time.Minute)
	if !IsAbandonedRestart(prior, start, []string{"a.go", "b.go"}) {
		t.Error("expected abandoned restart to be detected")
	}

	// Too long a gap.
	if IsAbandonedRestart(prior, prior.EndTimestamp.Add(5*time.Hour), []string{"a.go", "b.go"}) {
		t.Error("expected no match beyond the restart window")
	}

	// Low file overlap.
	if IsAbandonedRestart(prior, start, []string{"z.go"}) {
		t.Error("expected no match with no file overlap")
	}

	// Prior succeeded — not abandoned.
	prior2 := &PriorNode{EndTimestamp: prior.EndTimestamp, OutcomeFailed: false, FilesTouched: []string{"a.go"}}
	if IsAbandonedRestart(prior2, start, []string{"a.go"}) {
		t.Error("expected no match when prior outcome succeeded")
	}

	if IsAbandonedRestart(nil, start, []string{"a.go"}) {
		t.Error("expected no match with nil prior")
	}
}

func TestFrictionSignals(t *testing.T) {
	entries := []session.Entry{
		entry("e1", `{"id":"e1","text":"Error: permission denied"}`),
	}
	sig := FrictionSignals(entries, FrictionContext{IsLastSegment: true, IsAbandonedRestart: true})
	if !contains(sig, "abandoned_restart") {
		t.Errorf("expected abandoned_restart in %v", sig)
	}
	if !contains(sig, "friction_near_session_end") {
		t.Errorf("expected friction_near_session_end in %v", sig)
	}
}

func TestDelightSignals(t *testing.T) {
	entries := []session.Entry{entry("e1", `{"id":"e1","text":"tests pass now"}`)}
	sig := DelightSignals(entries, "success")
	if !contains(sig, "successful_outcome") {
		t.Errorf("expected successful_outcome in %v", sig)
	}
}

func TestManualFlags(t *testing.T) {
	entries := []session.Entry{
		entry("e1", `{"id":"e1","manualFlag":"came_back_to_this"}`),
		entry("e2", `{"id":"e2"}`),
	}
	flags := ManualFlags(entries)
	if len(flags) != 1 || flags[0] != "came_back_to_this" {
		t.Errorf("unexpected flags: %v", flags)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
