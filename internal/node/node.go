// Package node defines the Node/Edge data model produced by a successful
// analysis, and persists it atomically to both SQL tables and a JSON
// object store (one file per node version).
package node

import "time"

// Source describes where a Node's content came from.
type Source struct {
	SessionFile  string `json:"sessionFile"`
	SegmentStart string `json:"segmentStart,omitempty"`
	SegmentEnd   string `json:"segmentEnd,omitempty"`
	EntryCount   int    `json:"entryCount"`
	Computer     string `json:"computer"`
	SessionID    string `json:"sessionId"`
}

// Classification captures the analyzer's categorization of the segment.
type Classification struct {
	Type         string `json:"type"`
	Project      string `json:"project"`
	IsNewProject bool   `json:"isNewProject"`
	HadClearGoal bool   `json:"hadClearGoal"`
}

// Content is the narrative substance of the analysis.
type Content struct {
	Summary      string   `json:"summary"`
	Outcome      string   `json:"outcome"`
	Decisions    []string `json:"decisions,omitempty"`
	FilesTouched []string `json:"filesTouched,omitempty"`
	ToolsUsed    []string `json:"toolsUsed,omitempty"`
	ErrorsSeen   []string `json:"errorsSeen,omitempty"`
}

// Lessons are partitioned into seven fixed scopes.
type Lessons struct {
	Project   []string `json:"project,omitempty"`
	Tooling   []string `json:"tooling,omitempty"`
	Process   []string `json:"process,omitempty"`
	Domain    []string `json:"domain,omitempty"`
	Prompting []string `json:"prompting,omitempty"`
	Model     []string `json:"model,omitempty"`
	Personal  []string `json:"personal,omitempty"`
}

// Observations record operator-facing takeaways about the session.
type Observations struct {
	ModelsUsed        []string `json:"modelsUsed,omitempty"`
	PromptingWins     []string `json:"promptingWins,omitempty"`
	PromptingFailures []string `json:"promptingFailures,omitempty"`
	ModelQuirks       []string `json:"modelQuirks,omitempty"`
	ToolUseErrors     []string `json:"toolUseErrors,omitempty"`
}

// Metadata carries cost/timing/versioning facts about the analysis run.
type Metadata struct {
	Tokens          int       `json:"tokens,omitempty"`
	CostUSD         float64   `json:"costUsd,omitempty"`
	DurationMs      int64     `json:"durationMs,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	CompletedAt     time.Time `json:"completedAt"`
	AnalyzerVersion string    `json:"analyzerVersion"`
}

// Semantic holds tag/topic metadata used for downstream search (out of
// scope for the core itself, but the shape is part of the Node contract).
type Semantic struct {
	Tags   []string `json:"tags,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

// DaemonMeta records daemon-local bookkeeping for the node.
type DaemonMeta struct {
	FrictionSignals  []string `json:"frictionSignals,omitempty"`
	DelightSignals   []string `json:"delightSignals,omitempty"`
	ManualFlags      []string `json:"manualFlags,omitempty"`
	AbandonedRestart bool     `json:"abandonedRestart"`
}

// Node is the product of a successful analysis.
type Node struct {
	ID             string         `json:"id"`
	Version        int            `json:"version"`
	PriorVersions  []string       `json:"priorVersions,omitempty"`
	Source         Source         `json:"source"`
	Classification Classification `json:"classification"`
	Content        Content        `json:"content"`
	Lessons        Lessons        `json:"lessons"`
	Observations   Observations   `json:"observations"`
	Metadata       Metadata       `json:"metadata"`
	Semantic       Semantic       `json:"semantic"`
	DaemonMeta     DaemonMeta     `json:"daemonMeta"`
}

// EdgeType enumerates the kinds of structural relations the core creates.
type EdgeType string

const (
	EdgeBranch   EdgeType = "branch"
	EdgeFork     EdgeType = "fork"
	EdgeResume   EdgeType = "resume"
	EdgeSemantic EdgeType = "semantic"
)

// Edge is a directed relation between two nodes.
type Edge struct {
	ID        string
	FromID    string
	ToID      string
	Type      EdgeType
	CreatedAt time.Time
}

// boundaryEdgeType maps a job's context.boundaryType to the structural edge
// type created when a node's predecessor is linked, per spec.md §4.3 step 11.
func boundaryEdgeType(boundaryType string) EdgeType {
	switch boundaryType {
	case "fork":
		return EdgeFork
	case "resume", "compaction":
		return EdgeResume
	default:
		return EdgeBranch
	}
}
