package lead

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jaakkos/teambridge/internal/mailbox"
)

const (
	defaultDebounceMs   = 200
	defaultPollInterval = 10 * time.Second
)

// OutboxHandler receives each drained outbox message.
type OutboxHandler func(worker string, msg mailbox.OutboxMessage)

// Watcher drains team outboxes when their files change. fsnotify drives
// the fast path; a fallback poll covers editors and filesystems that
// don't emit events. Drains are debounced and serialized.
type Watcher struct {
	deps         *Deps
	handler      OutboxHandler
	logger       *log.Logger
	debounceMs   int
	pollInterval time.Duration

	mu            sync.Mutex
	debounceTimer *time.Timer
	watcher       *fsnotify.Watcher
	useFsnotify   bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	drainMu       sync.Mutex // serializes drains between timer and poll
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets the fallback poll interval (default 10s).
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.pollInterval = d }
}

// NewWatcher builds a watcher over the team's outbox directory. handler
// is called once per drained message.
func NewWatcher(deps *Deps, handler OutboxHandler, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		deps:         deps,
		handler:      handler,
		logger:       deps.Logger,
		debounceMs:   defaultDebounceMs,
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start watches the outbox directory until ctx is cancelled. If fsnotify
// fails to initialize, falls back to poll-only mode.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.doneCh)

	outboxDir, err := w.deps.Mail.OutboxDir(w.deps.Team)
	if err != nil {
		w.logger.Printf("Watcher: resolve outbox dir: %v, using poll-only", err)
	} else {
		watcher, werr := fsnotify.NewWatcher()
		if werr != nil {
			w.logger.Printf("Watcher: fsnotify init failed (%v), using poll-only", werr)
		} else if werr := watcher.Add(outboxDir); werr != nil {
			w.logger.Printf("Watcher: fsnotify add %s failed (%v), using poll-only", outboxDir, werr)
			_ = watcher.Close()
		} else {
			w.watcher = watcher
			w.useFsnotify = true
		}
	}

	if w.useFsnotify {
		defer w.watcher.Close()
		go w.watchLoop(ctx)
	}

	w.pollLoop(ctx)
}

// Stop signals the watcher to stop. Call after cancelling the context
// passed to Start.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// DrainOnce runs one drain cycle (for testing or manual trigger).
func (w *Watcher) DrainOnce() {
	w.drain()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.triggerDebounced()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) triggerDebounced() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(time.Duration(w.debounceMs)*time.Millisecond, w.drain)
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain()
		}
	}
}

func (w *Watcher) drain() {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	drained, err := w.deps.DrainOutboxes()
	if err != nil {
		w.logger.Printf("Watcher: drain: %v", err)
		return
	}
	for worker, msgs := range drained {
		for _, msg := range msgs {
			w.handler(worker, msg)
		}
	}

	if w.deps.History != nil {
		if _, err := w.deps.History.Ingest(w.deps.Team, w.deps.Audit); err != nil {
			w.logger.Printf("Watcher: history ingest: %v", err)
		}
	}
}
