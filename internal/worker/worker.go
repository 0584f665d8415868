// Package worker implements the pull-based worker pool that dequeues jobs,
// invokes the analyzer, classifies failures, and atomically materializes
// successful analyses as graph nodes and structural edges.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/sessiongraphd/internal/analyzer"
	"github.com/ppiankov/sessiongraphd/internal/classify"
	"github.com/ppiankov/sessiongraphd/internal/computer"
	"github.com/ppiankov/sessiongraphd/internal/discover"
	"github.com/ppiankov/sessiongraphd/internal/node"
	"github.com/ppiankov/sessiongraphd/internal/promptver"
	"github.com/ppiankov/sessiongraphd/internal/queue"
	"github.com/ppiankov/sessiongraphd/internal/session"
	"github.com/ppiankov/sessiongraphd/internal/signals"
)

// candidatePoolSize bounds how many existing nodes are offered to the
// connection discoverer as candidates for a single connection_discovery job.
const candidatePoolSize = 50

// Processor invokes the analyzer subprocess for one job.
type Processor interface {
	Process(ctx context.Context, job *queue.Job, promptFile string) (*analyzer.Result, error)
}

// SubprocessProcessor is the default Processor, grounded directly on
// internal/analyzer.Run.
type SubprocessProcessor struct {
	Command string
	Args    []string
}

func (p SubprocessProcessor) Process(ctx context.Context, job *queue.Job, promptFile string) (*analyzer.Result, error) {
	boundaryType, _ := job.Context["boundaryType"].(string)
	return analyzer.Run(ctx, analyzer.Request{
		Command:      p.Command,
		Args:         p.Args,
		PromptFile:   promptFile,
		SessionFile:  job.SessionFile,
		SegmentStart: job.Segment.StartEntryID,
		SegmentEnd:   job.Segment.EndEntryID,
		BoundaryType: boundaryType,
	})
}

// FailureSink receives permanent job failures. Implementations must not
// panic; OnJobFailed is always invoked from inside a recover guard.
type FailureSink interface {
	OnJobFailed(job *queue.Job, rec queue.ErrorRecord)
}

// NodeCreatedSink receives notifications for every successfully persisted node.
type NodeCreatedSink interface {
	OnNodeCreated(n *node.Node)
}

// Config controls one Worker's behavior.
type Config struct {
	ID                 string
	PollInterval       time.Duration
	EnvRecheckInterval time.Duration
	PromptFile         string
	RequiredSkills     []string
}

func (c *Config) setDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.EnvRecheckInterval <= 0 {
		c.EnvRecheckInterval = 30 * time.Second
	}
}

// Worker pulls jobs from a queue.Store, drives the analysis pipeline, and
// persists the resulting node and edges.
type Worker struct {
	cfg         Config
	queue       *queue.Store
	nodes       *node.Store
	processor   Processor
	discoverer  discover.Discoverer
	computer    *computer.Resolver
	onFailed    FailureSink
	onCreated   NodeCreatedSink
	skillsCheck func([]string) error

	mu            sync.Mutex
	currentJob    *queue.Job
	jobsSucceeded int64
	stopped       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New builds a Worker. skillsCheck is injected so environment validation is
// testable without relying on the real filesystem/skill registry; pass nil
// to accept any environment.
func New(cfg Config, q *queue.Store, n *node.Store, proc Processor, disc discover.Discoverer,
	comp *computer.Resolver, onFailed FailureSink, onCreated NodeCreatedSink, skillsCheck func([]string) error) *Worker {
	cfg.setDefaults()
	return &Worker{
		cfg:         cfg,
		queue:       q,
		nodes:       n,
		processor:   proc,
		discoverer:  disc,
		computer:    comp,
		onFailed:    onFailed,
		onCreated:   onCreated,
		skillsCheck: skillsCheck,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Run blocks until Stop is called. It validates the environment before
// entering the main pull loop, sleeping in 1-second increments while the
// environment is invalid so shutdown remains responsive.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	for !w.isStopped() {
		if err := w.validateEnvironment(); err != nil {
			if w.sleepChunked(ctx, w.cfg.EnvRecheckInterval) {
				return
			}
			continue
		}
		break
	}

	for {
		if w.isStopped() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(w.cfg.ID)
		if err != nil {
			if w.sleepChunked(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if w.sleepChunked(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		w.processJob(ctx, job)
	}
}

// Stop requests shutdown. The worker exits after completing any in-flight
// job; sleeps are chunked so shutdown latency never exceeds 1s.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
	<-w.doneCh
}

func (w *Worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// sleepChunked sleeps for total in 1-second increments, returning true if
// the worker was stopped or ctx was cancelled during the sleep.
func (w *Worker) sleepChunked(ctx context.Context, total time.Duration) bool {
	const chunk = 1 * time.Second
	remaining := total
	for remaining > 0 {
		step := chunk
		if remaining < step {
			step = remaining
		}
		timer := time.NewTimer(step)
		select {
		case <-w.stopCh:
			timer.Stop()
			return true
		case <-ctx.Done():
			timer.Stop()
			return true
		case <-timer.C:
		}
		remaining -= step
	}
	return false
}

var errMissingPromptFile = errors.New("prompt file not found")

func (w *Worker) validateEnvironment() error {
	if _, err := promptver.Version(w.cfg.PromptFile); err != nil {
		return errMissingPromptFile
	}
	if w.skillsCheck != nil {
		if err := w.skillsCheck(w.cfg.RequiredSkills); err != nil {
			return fmt.Errorf("missing required skills: %w", err)
		}
	}
	return nil
}

// Status is a snapshot of a Worker's current activity.
type Status struct {
	ID            string
	CurrentJobID  string
	JobsSucceeded int64
}

// GetStatus returns the worker's current status. CurrentJobID is empty
// unless processJob is actively executing.
func (w *Worker) GetStatus() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := ""
	if w.currentJob != nil {
		id = w.currentJob.ID
	}
	return Status{ID: w.cfg.ID, CurrentJobID: id, JobsSucceeded: w.jobsSucceeded}
}

func (w *Worker) setCurrentJob(j *queue.Job) {
	w.mu.Lock()
	w.currentJob = j
	w.mu.Unlock()
}

func (w *Worker) clearCurrentJob() {
	w.mu.Lock()
	w.currentJob = nil
	w.mu.Unlock()
}

// processJob drives one job through the pipeline described in step 1-12,
// routing any error through handleJobFailure.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	w.setCurrentJob(job)
	defer w.clearCurrentJob()

	var err error
	if job.Type == queue.TypeConnectionDiscovery {
		err = w.processConnectionDiscovery(ctx, job)
	} else {
		err = w.processAnalysisJob(ctx, job)
	}

	if err != nil {
		w.handleJobFailure(job, err)
	}
}

func (w *Worker) processConnectionDiscovery(ctx context.Context, job *queue.Job) error {
	nodeID, _ := job.Context["nodeId"].(string)
	if nodeID == "" {
		return fmt.Errorf("connection_discovery job missing context.nodeId")
	}

	n, err := w.nodes.GetNode(nodeID)
	if err != nil {
		return fmt.Errorf("load node for discovery: %w", err)
	}
	if n == nil {
		return fmt.Errorf("connection_discovery: node %s not found", nodeID)
	}

	pool, err := w.nodes.ListNodes(candidatePoolSize)
	if err != nil {
		return fmt.Errorf("list candidate nodes: %w", err)
	}
	candidates := make([]discover.Candidate, 0, len(pool))
	for _, c := range pool {
		if c.ID == nodeID {
			continue
		}
		candidates = append(candidates, discover.Candidate{ID: c.ID, Summary: c.Content.Summary, Project: c.Classification.Project})
	}

	conns, err := w.discoverer.Discover(ctx, nodeID, n.Content.Summary, candidates)
	if err != nil {
		return fmt.Errorf("discover connections: %w", err)
	}
	for _, c := range conns {
		if _, err := w.nodes.CreateSemanticEdge(nodeID, c.ToID); err != nil {
			return fmt.Errorf("create semantic edge: %w", err)
		}
	}

	if err := w.queue.Complete(job.ID, nodeID); err != nil {
		return fmt.Errorf("complete connection_discovery job: %w", err)
	}
	w.recordSuccess()
	return nil
}

func (w *Worker) processAnalysisJob(ctx context.Context, job *queue.Job) error {
	result, err := w.processor.Process(ctx, job, w.cfg.PromptFile)
	if err != nil {
		return err
	}

	sess, err := session.Parse(job.SessionFile)
	if err != nil {
		return err
	}
	entries, err := sess.Segment(job.Segment.StartEntryID, job.Segment.EndEntryID)
	if err != nil {
		return err
	}

	var n node.Node
	if err := json.Unmarshal(result.NodeData, &n); err != nil {
		return fmt.Errorf("%w: %v", analyzer.ErrSchemaValidation, err)
	}

	segmentStart := time.Time{}
	if len(entries) > 0 {
		segmentStart = entries[0].Timestamp
	}

	var priorNode *signals.PriorNode
	if prior, err := w.nodes.GetLatestNodeForProject(n.Classification.Project, segmentStart); err == nil && prior != nil {
		priorNode = &signals.PriorNode{
			EndTimestamp:  prior.Metadata.CompletedAt,
			OutcomeFailed: prior.Content.Outcome != "success",
			FilesTouched:  prior.Content.FilesTouched,
		}
	}
	abandoned := signals.IsAbandonedRestart(priorNode, segmentStart, n.Content.FilesTouched)

	boundaryType, _ := job.Context["boundaryType"].(string)
	frictionCtx := signals.FrictionContext{
		IsLastSegment:      job.Segment.EndEntryID == "",
		WasResumed:         boundaryType == "resume",
		IsAbandonedRestart: abandoned,
	}
	n.DaemonMeta.FrictionSignals = signals.FrictionSignals(entries, frictionCtx)
	n.DaemonMeta.DelightSignals = signals.DelightSignals(entries, n.Content.Outcome)
	n.DaemonMeta.ManualFlags = signals.ManualFlags(entries)
	n.DaemonMeta.AbandonedRestart = abandoned

	analyzerVersion, err := promptver.Version(w.cfg.PromptFile)
	if err != nil {
		return err
	}
	n.Metadata.AnalyzerVersion = analyzerVersion
	n.Metadata.CompletedAt = time.Now().UTC()
	n.Metadata.DurationMs = result.DurationMs

	n.Source.SessionFile = job.SessionFile
	n.Source.SegmentStart = job.Segment.StartEntryID
	n.Source.SegmentEnd = job.Segment.EndEntryID
	n.Source.EntryCount = len(entries)
	n.Source.Computer = w.computer.FromPath(job.SessionFile)
	n.Source.SessionID = sess.Header.ID

	// job.TargetNodeID (context.existingNodeId / context.nodeId) names the
	// node this job re-analyzes in place: a new version of the SAME node,
	// never a new structural edge (reanalysis never touches existing edges).
	//
	// context.parentNodeId names a DIFFERENT, already-persisted node this
	// segment continues from: a brand-new node, linked to its parent by a
	// structural edge when the job is the first analysis of that segment.
	predecessorID := ""
	if targetID := job.TargetNodeID; targetID != "" {
		if existing, err := w.nodes.GetNode(targetID); err == nil && existing != nil {
			n.ID = targetID
			n.Version = existing.Version + 1
			n.PriorVersions = append(append([]string{}, existing.PriorVersions...), fmt.Sprintf("%s-v%d", existing.ID, existing.Version))
		}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
		n.Version = 1
		if parentID, _ := job.Context["parentNodeId"].(string); parentID != "" {
			predecessorID = parentID
		}
	}

	res, err := w.nodes.Upsert(&n)
	if err != nil {
		return err
	}

	if job.Type == queue.TypeInitial && res.Created && predecessorID != "" {
		if _, err := w.nodes.CreateStructuralEdge(predecessorID, n.ID, boundaryType); err != nil {
			return err
		}
	}

	if err := w.queue.Complete(job.ID, n.ID); err != nil {
		return err
	}
	w.recordSuccess()
	if w.onCreated != nil {
		w.onCreated.OnNodeCreated(&n)
	}
	return nil
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	w.jobsSucceeded++
	w.mu.Unlock()
}

// handleJobFailure classifies err and routes the job to either a retryable
// failure (queue.Fail) or a permanent one (queue.FailPermanently),
// firing onFailed exactly when the job reaches a terminal failed state.
func (w *Worker) handleJobFailure(job *queue.Job, cause error) {
	result := classify.Classify(cause.Error())
	rec := queue.ErrorRecord{
		Timestamp: time.Now().UTC(),
		Category:  string(result.Category),
		Reason:    result.Reason,
		Message:   cause.Error(),
	}

	if result.Category == classify.Permanent {
		if err := w.queue.FailPermanently(job.ID, rec); err != nil {
			return
		}
		w.notifyFailed(job, rec)
		return
	}

	terminal := job.RetryCount >= job.MaxRetries
	if err := w.queue.Fail(job.ID, rec); err != nil {
		return
	}
	if terminal {
		w.notifyFailed(job, rec)
	}
}

// notifyFailed invokes onFailed guarded against panics, per the "its
// exceptions must not propagate" requirement.
func (w *Worker) notifyFailed(job *queue.Job, rec queue.ErrorRecord) {
	if w.onFailed == nil {
		return
	}
	defer func() { _ = recover() }()
	w.onFailed.OnJobFailed(job, rec)
}
