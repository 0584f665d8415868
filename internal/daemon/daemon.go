// Package daemon is the composition root: it wires the watcher, the queue,
// and a pool of workers together and drives them from one blocking Run loop,
// generalizing the teacher's inbox-watcher daemon into a session-graph one.
package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ppiankov/sessiongraphd/internal/computer"
	"github.com/ppiankov/sessiongraphd/internal/config"
	"github.com/ppiankov/sessiongraphd/internal/discover"
	"github.com/ppiankov/sessiongraphd/internal/node"
	"github.com/ppiankov/sessiongraphd/internal/pidfile"
	"github.com/ppiankov/sessiongraphd/internal/queue"
	"github.com/ppiankov/sessiongraphd/internal/watcher"
	"github.com/ppiankov/sessiongraphd/internal/worker"
)

// staleSweepInterval mirrors the teacher's expirationInterval: how often the
// daemon looks for jobs whose lock has expired without completion.
const staleSweepInterval = 5 * time.Minute

// Daemon owns the watcher, the queue, and a worker pool, and is responsible
// for their startup/shutdown ordering.
type Daemon struct {
	cfg      *config.Config
	watcher  *watcher.Watcher
	queue    *queue.Store
	nodes    *node.Store
	workers  []*worker.Worker
	lock     *pidfile.Lock
	logger   *log.Logger
	wg       sync.WaitGroup
}

// New constructs a Daemon from cfg. It opens the queue and node stores,
// the session watcher, the connection discoverer, and one worker per
// cfg.Worker.Count, but does not start anything yet — that happens in Run.
func New(cfg *config.Config, logger *log.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.Default()
	}

	q, err := queue.Open(cfg.Storage.QueueDBPath)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	n, err := node.Open(cfg.Storage.NodeDBPath, cfg.Storage.ObjectDir)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("open node store: %w", err)
	}

	w, err := watcher.New(watcher.Config{
		Roots:          cfg.Watcher.Roots,
		SpokeRoots:     cfg.Watcher.SpokeRoots,
		IdleTimeout:    cfg.Watcher.IdleTimeout,
		StabilityLocal: cfg.Watcher.StabilityLocal,
		StabilitySpoke: cfg.Watcher.StabilitySpoke,
		PollInterval:   cfg.Watcher.PollInterval,
		Depth:          cfg.Watcher.Depth,
	})
	if err != nil {
		q.Close()
		n.Close()
		return nil, fmt.Errorf("open watcher: %w", err)
	}

	comp, err := computer.NewResolver(spokesFromConfig(cfg), "")
	if err != nil {
		q.Close()
		n.Close()
		w.Stop()
		return nil, fmt.Errorf("build computer resolver: %w", err)
	}

	var disc discover.Discoverer
	if cfg.Discover.ModelID != "" {
		awsCfg, discErr := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Discover.Region))
		if discErr != nil {
			q.Close()
			n.Close()
			w.Stop()
			return nil, fmt.Errorf("load AWS config for connection discoverer: %w", discErr)
		}
		disc = discover.New(bedrockruntime.NewFromConfig(awsCfg), cfg.Discover.ModelID)
	}

	d := &Daemon{cfg: cfg, watcher: w, queue: q, nodes: n, logger: logger}

	workerCount := cfg.Worker.Count
	if workerCount <= 0 {
		workerCount = 1
	}
	proc := &worker.SubprocessProcessor{Command: cfg.Analyzer.Command, Args: cfg.Analyzer.Args}
	for i := 0; i < workerCount; i++ {
		wcfg := worker.Config{
			PollInterval:       cfg.Worker.PollInterval,
			EnvRecheckInterval: cfg.Worker.EnvRecheckInterval,
			PromptFile:         cfg.Worker.PromptFile,
			RequiredSkills:     cfg.Worker.RequiredSkills,
		}
		d.workers = append(d.workers, worker.New(wcfg, q, n, proc, disc, comp, d, d, nil))
	}

	return d, nil
}

func spokesFromConfig(cfg *config.Config) []computer.Spoke {
	spokes := make([]computer.Spoke, 0, len(cfg.Watcher.SpokeRoots))
	for _, root := range cfg.Watcher.SpokeRoots {
		spokes = append(spokes, computer.Spoke{Root: root, Name: root})
	}
	return spokes
}

// OnJobFailed implements worker.FailureSink: it logs permanent job failures.
// Kept as a simple logging sink since an external alerting collaborator is
// out of scope for the core. A permanent failure is a terminal state for the
// job, so the session file's analyzing flag must clear here too, or the
// watcher will never again consider it idle.
func (d *Daemon) OnJobFailed(job *queue.Job, rec queue.ErrorRecord) {
	d.logger.Printf("daemon: job %s permanently failed (%s): %s", job.ID, rec.Category, rec.Reason)
	d.watcher.MarkAnalyzed(job.SessionFile)
}

// OnNodeCreated implements worker.NodeCreatedSink: a freshly created node
// is a natural trigger for a connection_discovery follow-up job. It also
// marks the source session file analyzed, clearing the flag set when the
// job that produced this node was enqueued.
func (d *Daemon) OnNodeCreated(n *node.Node) {
	d.watcher.MarkAnalyzed(n.Source.SessionFile)
	if _, err := d.queue.Enqueue(queue.EnqueueInput{
		Type:        queue.TypeConnectionDiscovery,
		SessionFile: n.Source.SessionFile,
		Context:     map[string]any{"nodeId": n.ID},
	}); err != nil {
		d.logger.Printf("daemon: enqueue connection_discovery for %s: %v", n.ID, err)
	}
}

// Run acquires the PID lock, releases any jobs left running from a prior
// crash, starts the worker pool and background sweepers, and then drives
// the watcher's event loop until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := pidfile.Acquire(d.cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("acquire PID lock: %w", err)
	}
	d.lock = lock
	defer d.lock.Release()

	if n, err := d.queue.ReleaseAllRunning(); err != nil {
		return fmt.Errorf("release running jobs: %w", err)
	} else if n > 0 {
		d.logger.Printf("daemon: released %d jobs left running from a prior instance", n)
	}

	for _, w := range d.workers {
		w := w
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			w.Run(ctx)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runStaleSweeper(ctx)
	}()

	d.watcher.Start()
	defer d.watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, w := range d.workers {
				w.Stop()
			}
			d.wg.Wait()
			return ctx.Err()
		case ev, ok := <-d.watcher.Events:
			if !ok {
				d.wg.Wait()
				return nil
			}
			d.handleEvent(ev)
		}
	}
}

// handleEvent turns a watcher.EventIdle into a queued analysis job,
// deduplicating against any job already pending or running for the same
// session file and segment.
func (d *Daemon) handleEvent(ev watcher.Event) {
	switch ev.Type {
	case watcher.EventError:
		d.logger.Printf("daemon: watcher error: %v", ev.Err)
	case watcher.EventIdle:
		seg := queue.Segment{}
		exists, err := d.queue.HasExistingJob(ev.Path, seg)
		if err != nil {
			d.logger.Printf("daemon: check existing job for %s: %v", ev.Path, err)
			return
		}
		if exists {
			return
		}
		d.watcher.MarkAnalyzing(ev.Path)
		if _, err := d.queue.Enqueue(queue.EnqueueInput{
			Type:        queue.TypeInitial,
			SessionFile: ev.Path,
			Segment:     seg,
		}); err != nil {
			d.logger.Printf("daemon: enqueue %s: %v", ev.Path, err)
			d.watcher.MarkAnalyzed(ev.Path)
		}
	}
}

// runStaleSweeper periodically releases jobs whose worker lock has expired
// without the job completing, mirroring the teacher's expiration sweeper.
func (d *Daemon) runStaleSweeper(ctx context.Context) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.queue.ReleaseStale()
			if err != nil {
				d.logger.Printf("daemon: stale sweep: %v", err)
			} else if n > 0 {
				d.logger.Printf("daemon: released %d stale jobs", n)
			}
		}
	}
}

// Close releases the queue and node store handles. Call after Run returns.
func (d *Daemon) Close() {
	d.queue.Close()
	d.nodes.Close()
}
