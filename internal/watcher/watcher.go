// Package watcher observes session directories, tracks per-file modification
// state, and emits exactly one idle event per quiescent session. It
// generalizes the teacher's single-debounce-timer fsnotify loop (one shared
// timer flushing a batch of ready paths into a fixed worker pool) into a
// per-file idle-timer model: each tracked .jsonl file gets its own pending
// idle timer, canceled and rescheduled on every surfaced write.
package watcher

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventType enumerates the events the watcher emits.
type EventType string

const (
	EventNew    EventType = "new"
	EventChange EventType = "change"
	EventRemove EventType = "remove"
	EventReady  EventType = "ready"
	EventIdle   EventType = "idle"
	EventError  EventType = "error"
)

// Event is a single occurrence delivered over the watcher's Events channel.
type Event struct {
	Type EventType
	Path string
	Err  error
}

const (
	// DefaultIdleTimeout is how long a session must go unmodified before idle fires.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultStabilityLocal is the write-finish threshold for local directories.
	DefaultStabilityLocal = 5 * time.Second
	// DefaultStabilitySpoke is the write-finish threshold for spoke (synced) directories.
	DefaultStabilitySpoke = 30 * time.Second
	// DefaultPollInterval is how often file sizes are sampled to detect write-finish.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultDepth is the max recursion depth below a watched root.
	DefaultDepth = 2
)

// Config holds watcher tuning parameters.
type Config struct {
	Roots          []string      // directories to observe
	SpokeRoots     []string      // subset (or superset) of Roots that are synced, not local
	IdleTimeout    time.Duration // default DefaultIdleTimeout
	StabilityLocal time.Duration // default DefaultStabilityLocal
	StabilitySpoke time.Duration // default DefaultStabilitySpoke
	PollInterval   time.Duration // default DefaultPollInterval
	Depth          int           // default DefaultDepth
}

func (c *Config) setDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.StabilityLocal == 0 {
		c.StabilityLocal = DefaultStabilityLocal
	}
	if c.StabilitySpoke == 0 {
		c.StabilitySpoke = DefaultStabilitySpoke
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Depth == 0 {
		c.Depth = DefaultDepth
	}
}

// isSpokePath reports whether path lies under any registered spoke root,
// matched by longest-prefix (mirrors computer.FromPath's precedence rule).
func (c *Config) isSpokePath(path string) bool {
	best := ""
	for _, root := range c.SpokeRoots {
		if strings.HasPrefix(path, root) && len(root) > len(best) {
			best = root
		}
	}
	return best != ""
}

func (c *Config) stabilityFor(path string) time.Duration {
	if c.isSpokePath(path) {
		return c.StabilitySpoke
	}
	return c.StabilityLocal
}

// sessionState tracks one watched .jsonl file.
type sessionState struct {
	path         string
	lastModified time.Time
	lastAnalyzed *time.Time
	idleTimer    *time.Timer
	analyzing    bool
}

// Watcher observes Config.Roots for .jsonl session files and emits Events.
type Watcher struct {
	cfg    Config
	Events chan Event

	mu       sync.Mutex
	sessions map[string]*sessionState
	stopped  bool

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Watcher. Missing root directories are created; any other
// stat failure aborts construction.
func New(cfg Config) (*Watcher, error) {
	cfg.setDefaults()

	for _, root := range cfg.Roots {
		if _, err := os.Stat(root); err != nil {
			if os.IsNotExist(err) {
				if mkErr := os.MkdirAll(root, 0o750); mkErr != nil {
					return nil, mkErr
				}
				continue
			}
			return nil, err
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range cfg.Roots {
		if err := addRecursive(fsw, root, cfg.Depth); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return &Watcher{
		cfg:      cfg,
		Events:   make(chan Event, 256),
		sessions: make(map[string]*sessionState),
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}, nil
}

func addRecursive(fsw *fsnotify.Watcher, root string, depth int) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if rel != "." && strings.Count(rel, string(filepath.Separator))+1 > depth {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func isSessionFile(name string) bool {
	return strings.HasSuffix(name, ".jsonl")
}

// Start begins watching. Non-blocking: work happens on an internal goroutine.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	// pending tracks in-flight stability-debounce goroutines per path
	// so a burst of writes to the same file doesn't spawn duplicates.
	pending := make(map[string]bool)
	var pendingMu sync.Mutex

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isSessionFile(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.handleRemove(ev.Name)
				continue
			}
			if !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}

			pendingMu.Lock()
			if pending[ev.Name] {
				pendingMu.Unlock()
				continue
			}
			pending[ev.Name] = true
			pendingMu.Unlock()

			w.wg.Add(1)
			go func(path string) {
				defer w.wg.Done()
				defer func() {
					pendingMu.Lock()
					delete(pending, path)
					pendingMu.Unlock()
				}()
				w.waitForStableWrite(path)
			}(ev.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.emit(Event{Type: EventError, Err: err})
		}
	}
}

// waitForStableWrite polls the file size until it hasn't changed for the
// path's applicable stability threshold, then surfaces a new/change event.
func (w *Watcher) waitForStableWrite(path string) {
	threshold := w.cfg.stabilityFor(path)
	var lastSize int64 = -1
	var stableSince time.Time

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				return
			}
			size := info.Size()
			if size != lastSize {
				lastSize = size
				stableSince = time.Now()
				continue
			}
			if time.Since(stableSince) >= threshold {
				w.handleStableWrite(path, info.ModTime())
				return
			}
		}
	}
}

func (w *Watcher) handleStableWrite(path string, modTime time.Time) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	st, existed := w.sessions[path]
	if !existed {
		st = &sessionState{path: path}
		w.sessions[path] = st
	}
	st.lastModified = modTime
	w.rescheduleIdle(st)
	w.mu.Unlock()

	if existed {
		w.emit(Event{Type: EventChange, Path: path})
	} else {
		w.emit(Event{Type: EventNew, Path: path})
	}
	w.emit(Event{Type: EventReady, Path: path})
}

func (w *Watcher) handleRemove(path string) {
	w.mu.Lock()
	if st, ok := w.sessions[path]; ok {
		if st.idleTimer != nil {
			st.idleTimer.Stop()
		}
		delete(w.sessions, path)
	}
	w.mu.Unlock()
	w.emit(Event{Type: EventRemove, Path: path})
}

// rescheduleIdle cancels any pending idle timer for st and schedules a new
// one idleTimeout into the future. Must be called with w.mu held.
func (w *Watcher) rescheduleIdle(st *sessionState) {
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	w.wg.Add(1)
	st.idleTimer = time.AfterFunc(w.cfg.IdleTimeout, func() {
		defer w.wg.Done()
		w.checkIdle(st.path)
	})
}

// checkIdle re-examines state when the idle timer fires: if the file is
// being analyzed, do nothing; if enough time has actually elapsed since the
// last modification, emit idle; otherwise reschedule for the remaining
// time. This two-step check guarantees no spurious idle while writes are
// still arriving.
func (w *Watcher) checkIdle(path string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	st, ok := w.sessions[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	if st.analyzing {
		w.mu.Unlock()
		return
	}

	elapsed := time.Since(st.lastModified)
	if elapsed >= w.cfg.IdleTimeout {
		w.mu.Unlock()
		w.emit(Event{Type: EventIdle, Path: path})
		return
	}

	remaining := w.cfg.IdleTimeout - elapsed
	w.wg.Add(1)
	st.idleTimer = time.AfterFunc(remaining, func() {
		defer w.wg.Done()
		w.checkIdle(path)
	})
	w.mu.Unlock()
}

// MarkAnalyzing records that a job for path has been enqueued, suppressing
// further idle events until MarkAnalyzed is called.
func (w *Watcher) MarkAnalyzing(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.sessions[path]; ok {
		st.analyzing = true
	}
}

// MarkAnalyzed clears the analyzing flag and records lastAnalyzed.
func (w *Watcher) MarkAnalyzed(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.sessions[path]; ok {
		st.analyzing = false
		now := time.Now()
		st.lastAnalyzed = &now
	}
}

// emit sends ev unless the watcher has been stopped; all events after
// stop() are silently dropped, even from in-flight callbacks.
func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}
	select {
	case w.Events <- ev:
	case <-w.stopCh:
	}
}

// Stop cancels all pending idle timers and closes the underlying observer.
// All subsequent events are dropped, even from callbacks already in flight.
// wg.Wait blocks until any timer callback already running when Stop was
// called has returned, so close(w.Events) below can never race a send from
// one of them.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for _, st := range w.sessions {
		if st.idleTimer != nil {
			st.idleTimer.Stop()
		}
	}
	w.mu.Unlock()

	close(w.stopCh)
	_ = w.fsw.Close()
	w.wg.Wait()
	close(w.Events)
}

// TrackedPaths returns the sorted list of currently tracked session paths,
// for diagnostics/tests.
func (w *Watcher) TrackedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.sessions))
	for p := range w.sessions {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
