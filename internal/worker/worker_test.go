package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/sessiongraphd/internal/analyzer"
	"github.com/ppiankov/sessiongraphd/internal/computer"
	"github.com/ppiankov/sessiongraphd/internal/discover"
	"github.com/ppiankov/sessiongraphd/internal/node"
	"github.com/ppiankov/sessiongraphd/internal/queue"
)

type fakeProcessor struct {
	result *analyzer.Result
	err    error
}

func (f *fakeProcessor) Process(ctx context.Context, job *queue.Job, promptFile string) (*analyzer.Result, error) {
	return f.result, f.err
}

type fakeDiscoverer struct {
	conns []discover.Connection
	err   error
}

func (f *fakeDiscoverer) Discover(ctx context.Context, nodeID, summary string, candidates []discover.Candidate) ([]discover.Connection, error) {
	return f.conns, f.err
}

type fakeFailureSink struct {
	calls []queue.ErrorRecord
}

func (f *fakeFailureSink) OnJobFailed(job *queue.Job, rec queue.ErrorRecord) {
	f.calls = append(f.calls, rec)
}

type panicFailureSink struct{}

func (panicFailureSink) OnJobFailed(job *queue.Job, rec queue.ErrorRecord) {
	panic("should be recovered")
}

type fakeNodeSink struct {
	nodes []*node.Node
}

func (f *fakeNodeSink) OnNodeCreated(n *node.Node) {
	f.nodes = append(f.nodes, n)
}

func writeSessionFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "session.jsonl")
	lines := []string{
		`{"id":"sess-1","timestamp":"2026-03-04T12:00:00Z"}`,
		`{"id":"e1","timestamp":"2026-03-04T12:00:01Z","text":"started work"}`,
		`{"id":"e2","timestamp":"2026-03-04T12:05:00Z","text":"tests pass now"}`,
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func validAnalyzerNodeJSON() json.RawMessage {
	return json.RawMessage(`{
		"classification": {"type": "coding", "project": "sessiongraphd"},
		"content": {"summary": "did the thing", "outcome": "success", "filesTouched": ["a.go"]},
		"lessons": {}, "observations": {}, "semantic": {}, "daemonMeta": {}
	}`)
}

func newTestWorker(t *testing.T, proc Processor, disc discover.Discoverer, onFailed FailureSink, onCreated NodeCreatedSink) (*Worker, *queue.Store, *node.Store, string) {
	t.Helper()
	dir := t.TempDir()

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	n, err := node.Open(filepath.Join(dir, "nodes.db"), filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })

	promptPath := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(promptPath, []byte("analyze this"), 0o600); err != nil {
		t.Fatal(err)
	}

	comp, err := computer.NewResolver(nil, "test-host")
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{PromptFile: promptPath, PollInterval: 50 * time.Millisecond, EnvRecheckInterval: 50 * time.Millisecond}
	w := New(cfg, q, n, proc, disc, comp, onFailed, onCreated, nil)
	return w, q, n, dir
}

func TestProcessAnalysisJobCreatesNodeAndCompletesJob(t *testing.T) {
	proc := &fakeProcessor{result: &analyzer.Result{NodeData: validAnalyzerNodeJSON(), DurationMs: 42}}
	sink := &fakeNodeSink{}
	w, q, n, dir := newTestWorker(t, proc, &fakeDiscoverer{}, &fakeFailureSink{}, sink)

	sessionFile := writeSessionFile(t, dir)
	jobID, err := q.Enqueue(queue.EnqueueInput{Type: queue.TypeInitial, SessionFile: sessionFile})
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue("test-worker")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("expected to dequeue %s, got %+v", jobID, job)
	}

	w.processJob(context.Background(), job)

	if len(sink.nodes) != 1 {
		t.Fatalf("expected exactly one node created, got %d", len(sink.nodes))
	}
	got, err := n.GetNode(sink.nodes[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Content.Summary != "did the thing" {
		t.Fatalf("unexpected stored node: %+v", got)
	}

	stats, err := q.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 {
		t.Errorf("expected job to be marked completed, got stats %+v", stats)
	}
}

func TestProcessAnalysisJobPermanentErrorFiresOnFailed(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("prompt file not found: no such file")}
	sink := &fakeFailureSink{}
	w, q, _, dir := newTestWorker(t, proc, &fakeDiscoverer{}, sink, &fakeNodeSink{})

	sessionFile := writeSessionFile(t, dir)
	_, err := q.Enqueue(queue.EnqueueInput{Type: queue.TypeInitial, SessionFile: sessionFile})
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue("test-worker")
	if err != nil {
		t.Fatal(err)
	}

	w.processJob(context.Background(), job)

	if len(sink.calls) != 1 {
		t.Fatalf("expected onFailed to fire once for a permanent error, got %d calls", len(sink.calls))
	}
	if sink.calls[0].Category != "permanent" {
		t.Errorf("expected category permanent, got %s", sink.calls[0].Category)
	}

	stats, err := q.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 {
		t.Errorf("expected job to be failed, got stats %+v", stats)
	}
}

func TestProcessAnalysisJobTransientErrorRetriesWithoutFiring(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("ETIMEDOUT while waiting for analyzer")}
	sink := &fakeFailureSink{}
	w, q, _, dir := newTestWorker(t, proc, &fakeDiscoverer{}, sink, &fakeNodeSink{})

	sessionFile := writeSessionFile(t, dir)
	_, err := q.Enqueue(queue.EnqueueInput{Type: queue.TypeInitial, SessionFile: sessionFile, MaxRetries: 3})
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue("test-worker")
	if err != nil {
		t.Fatal(err)
	}

	w.processJob(context.Background(), job)

	if len(sink.calls) != 0 {
		t.Fatalf("expected onFailed not to fire while retry budget remains, got %d calls", len(sink.calls))
	}
	stats, err := q.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Errorf("expected job back in pending for retry, got stats %+v", stats)
	}
}

func TestHandleJobFailureGuardsPanickingSink(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("ENOENT: missing file")}
	w, q, _, dir := newTestWorker(t, proc, &fakeDiscoverer{}, panicFailureSink{}, &fakeNodeSink{})

	sessionFile := writeSessionFile(t, dir)
	_, err := q.Enqueue(queue.EnqueueInput{Type: queue.TypeInitial, SessionFile: sessionFile})
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue("test-worker")
	if err != nil {
		t.Fatal(err)
	}

	w.processJob(context.Background(), job)
}

func TestProcessConnectionDiscoveryCreatesEdgesAndCompletes(t *testing.T) {
	disc := &fakeDiscoverer{conns: []discover.Connection{{ToID: "node-2", Reason: "same project"}}}
	w, q, n, _ := newTestWorker(t, &fakeProcessor{}, disc, &fakeFailureSink{}, &fakeNodeSink{})

	seed := &node.Node{ID: "node-1", Version: 1, Content: node.Content{Summary: "root node"}}
	if _, err := n.Upsert(seed); err != nil {
		t.Fatal(err)
	}
	other := &node.Node{ID: "node-2", Version: 1, Content: node.Content{Summary: "other node"}}
	if _, err := n.Upsert(other); err != nil {
		t.Fatal(err)
	}

	jobID, err := q.Enqueue(queue.EnqueueInput{
		Type:        queue.TypeConnectionDiscovery,
		SessionFile: "/unused",
		Context:     map[string]any{"nodeId": "node-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue("test-worker")
	if err != nil || job == nil || job.ID != jobID {
		t.Fatalf("dequeue failed: job=%+v err=%v", job, err)
	}

	w.processJob(context.Background(), job)

	edges, err := n.GetEdgesForNode("node-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].ToID != "node-2" || edges[0].Type != node.EdgeSemantic {
		t.Fatalf("unexpected edges: %+v", edges)
	}

	stats, err := q.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 {
		t.Errorf("expected connection_discovery job completed, got stats %+v", stats)
	}
}

func TestRunIdleWithPollingRespondsToStopQuickly(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	n, err := node.Open(filepath.Join(dir, "nodes.db"), filepath.Join(dir, "objects"))
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	comp, err := computer.NewResolver(nil, "test-host")
	if err != nil {
		t.Fatal(err)
	}

	// Missing prompt file keeps the worker in idle-with-polling forever.
	cfg := Config{PromptFile: filepath.Join(dir, "does-not-exist.md"), EnvRecheckInterval: 30 * time.Second}
	w := New(cfg, q, n, &fakeProcessor{}, &fakeDiscoverer{}, comp, &fakeFailureSink{}, &fakeNodeSink{}, nil)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	w.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected shutdown within ~1s, took %s", elapsed)
	}
	<-done
}
