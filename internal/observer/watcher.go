package observer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind says which document of a spec changed
type ChangeKind string

const (
	ChangePlan ChangeKind = "plan"
	ChangeRuns ChangeKind = "runs"
)

// Change is one observed document update
type Change struct {
	Spec string
	Kind ChangeKind
	Path string
}

// Callback receives a debounced batch of document changes
type Callback func(changes []Change)

// Watcher monitors the plans root for plan and run-history document
// changes. Documents are written atomically via rename, which arrives
// as a create event on the destination path.
type Watcher struct {
	watcher   *fsnotify.Watcher
	callback  Callback
	plansRoot string
	debounce  time.Duration
	logger    *slog.Logger

	pending map[string]Change
	timer   *time.Timer
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// NewWatcher builds a Watcher over plansRoot. Existing spec directories
// are watched immediately; directories created later are picked up from
// their create events.
func NewWatcher(plansRoot string, cb Callback, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:   fsw,
		callback:  cb,
		plansRoot: plansRoot,
		debounce:  500 * time.Millisecond,
		logger:    logger,
		pending:   make(map[string]Change),
	}

	if _, err := os.Stat(plansRoot); err == nil {
		if err := fsw.Add(plansRoot); err != nil {
			fsw.Close()
			return nil, err
		}
		entries, err := os.ReadDir(plansRoot)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				if err := fsw.Add(filepath.Join(plansRoot, e.Name())); err != nil {
					logger.Warn("could not watch spec dir", "dir", e.Name(), "error", err)
				}
			}
		}
	}

	return w, nil
}

// Start begins delivering debounced changes until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("document watch error", "error", err)
			}
		}
	}()
}

// Stop ends watching and releases the underlying watches
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

// SetDebounce adjusts how long changes are batched before delivery
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	// A new spec directory under the root: watch it and wait for its
	// documents.
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == w.plansRoot {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("could not watch spec dir", "dir", event.Name, "error", err)
			}
		}
		return
	}

	kind, ok := classify(event.Name)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = Change{
		Spec: filepath.Base(filepath.Dir(event.Name)),
		Kind: kind,
		Path: event.Name,
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func classify(path string) (ChangeKind, bool) {
	switch filepath.Base(path) {
	case "plan.yaml":
		return ChangePlan, true
	case "runs.yaml":
		return ChangeRuns, true
	}
	return "", false
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]Change)
	w.mu.Unlock()

	if w.callback == nil || len(pending) == 0 {
		return
	}

	changes := make([]Change, 0, len(pending))
	for _, c := range pending {
		changes = append(changes, c)
	}
	w.callback(changes)
}
