// Package signals derives friction, delight, and abandoned-restart signals
// from a segment of session entries — deterministic local computation that
// supplements the analyzer's own output, per spec.md §4.3 steps 5-6.
package signals

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ppiankov/sessiongraphd/internal/session"
)

// abandonedRestartWindow bounds how soon after a prior session's end a new
// segment must start to be considered a restart of that prior attempt.
const abandonedRestartWindow = 2 * time.Hour

// fileOverlapThreshold is the fraction of files-touched overlap required to
// call two segments the "same" abandoned work.
const fileOverlapThreshold = 0.5

// PriorNode is the minimal shape of a previously analyzed node needed to
// test the abandoned-restart predicate.
type PriorNode struct {
	EndTimestamp  time.Time
	OutcomeFailed bool
	FilesTouched  []string
}

// IsAbandonedRestart reports whether segmentStart/filesTouched look like a
// restart of an abandoned prior attempt: the prior outcome was not a
// success, segmentStart falls within abandonedRestartWindow of the prior
// node's end, and the files-touched sets overlap significantly.
func IsAbandonedRestart(prior *PriorNode, segmentStart time.Time, filesTouched []string) bool {
	if prior == nil || !prior.OutcomeFailed {
		return false
	}
	gap := segmentStart.Sub(prior.EndTimestamp)
	if gap < 0 || gap > abandonedRestartWindow {
		return false
	}
	return overlapRatio(prior.FilesTouched, filesTouched) >= fileOverlapThreshold
}

func overlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	overlap := 0
	for _, f := range b {
		if set[f] {
			overlap++
		}
	}
	denom := len(a)
	if len(b) < denom {
		denom = len(b)
	}
	return float64(overlap) / float64(denom)
}

// FrictionContext carries the flags needed to derive friction signals,
// beyond what's visible from the entries alone.
type FrictionContext struct {
	IsLastSegment     bool
	WasResumed        bool
	IsAbandonedRestart bool
}

// frictionMarkers are substrings in an entry's raw content that indicate the
// agent or user hit friction during the segment.
var frictionMarkers = []string{
	"error:", "failed", "traceback", "exception", "permission denied",
	"not found", "undefined", "cannot ", "can't ",
}

// delightMarkers are substrings indicating a positive outcome moment.
var delightMarkers = []string{
	"works now", "that fixed it", "tests pass", "all green", "looks good", "perfect",
}

// manualFlagEntry decodes how a human annotates an entry inline for the
// analyzer to pick up verbatim, e.g. `"manualFlag":"returned-to-this-later"`.
type manualFlagEntry struct {
	ManualFlag string `json:"manualFlag"`
}

// FrictionSignals derives friction signals from segment entries and context.
func FrictionSignals(entries []session.Entry, ctx FrictionContext) []string {
	var sig []string
	if ctx.IsAbandonedRestart {
		sig = append(sig, "abandoned_restart")
	}
	if ctx.WasResumed {
		sig = append(sig, "resumed_after_break")
	}
	if ctx.IsLastSegment {
		count := countMarkers(entries, frictionMarkers)
		if count > 0 {
			sig = append(sig, "friction_near_session_end")
		}
	}
	for _, m := range frictionMarkers {
		if countTextMarker(entries, m) > 0 {
			sig = append(sig, "marker:"+strings.TrimSuffix(strings.TrimSpace(m), ":"))
		}
	}
	return dedupe(sig)
}

// DelightSignals derives delight signals given the analyzer-reported outcome.
func DelightSignals(entries []session.Entry, outcome string) []string {
	var sig []string
	if strings.EqualFold(outcome, "success") {
		sig = append(sig, "successful_outcome")
	}
	for _, m := range delightMarkers {
		if countTextMarker(entries, m) > 0 {
			sig = append(sig, "marker:"+strings.ReplaceAll(m, " ", "_"))
		}
	}
	return dedupe(sig)
}

// ManualFlags extracts explicit manual flags authored inline in entries.
func ManualFlags(entries []session.Entry) []string {
	var flags []string
	for _, e := range entries {
		var mf manualFlagEntry
		if err := json.Unmarshal(e.Raw, &mf); err == nil && mf.ManualFlag != "" {
			flags = append(flags, mf.ManualFlag)
		}
	}
	return dedupe(flags)
}

func countMarkers(entries []session.Entry, markers []string) int {
	n := 0
	for _, m := range markers {
		n += countTextMarker(entries, m)
	}
	return n
}

func countTextMarker(entries []session.Entry, marker string) int {
	n := 0
	for _, e := range entries {
		if strings.Contains(strings.ToLower(string(e.Raw)), marker) {
			n++
		}
	}
	return n
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
