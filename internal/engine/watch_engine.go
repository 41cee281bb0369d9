package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchEventKind mirrors fsnotify's op taxonomy, narrowed to the three
// kinds the engine reacts to.
type WatchEventKind string

const (
	WatchEventAdd    WatchEventKind = "add"
	WatchEventChange WatchEventKind = "change"
	WatchEventUnlink WatchEventKind = "unlink"
)

// WatchEvent is a single filesystem change observed by WatchEngine.
type WatchEvent struct {
	Path string
	Kind WatchEventKind
}

// OnWatchChange fires once per observed filesystem event.
type OnWatchChange func(event WatchEvent)

// OnWatchRerun fires once per debounced trigger, after the debounce window
// elapses with no further events.
type OnWatchRerun func(trigger WatchEvent, runCount int)

const watchDebounce = 500 * time.Millisecond

// WatchEngine watches a set of paths and, on change, schedules a debounced
// call of the rerun function it was built with.
type WatchEngine struct {
	watcher  *fsnotify.Watcher
	onChange OnWatchChange
	onRerun  OnWatchRerun
	rerun    func(ctx context.Context, trigger WatchEvent) error

	mu       sync.Mutex
	timer    *time.Timer
	runCount int
	pending  *WatchEvent
}

// NewWatchEngine creates a WatchEngine over the given paths. rerun is
// invoked once per debounced trigger.
func NewWatchEngine(paths []string, rerun func(ctx context.Context, trigger WatchEvent) error, onChange OnWatchChange, onRerun OnWatchRerun) (*WatchEngine, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			_ = watcher.Close()
			return nil, err
		}
	}
	return &WatchEngine{watcher: watcher, rerun: rerun, onChange: onChange, onRerun: onRerun}, nil
}

// Run blocks, dispatching debounced re-runs, until ctx is cancelled or
// Stop is called.
func (w *WatchEngine) Run(ctx context.Context) error {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (w *WatchEngine) handleEvent(ctx context.Context, fsEvent fsnotify.Event) {
	kind := classifyFsnotifyOp(fsEvent.Op)
	event := WatchEvent{Path: fsEvent.Name, Kind: kind}
	if w.onChange != nil {
		w.onChange(event)
	}
	w.scheduleRerun(ctx, event)
}

func classifyFsnotifyOp(op fsnotify.Op) WatchEventKind {
	switch {
	case op&fsnotify.Create != 0:
		return WatchEventAdd
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		return WatchEventUnlink
	default:
		return WatchEventChange
	}
}

func (w *WatchEngine) scheduleRerun(ctx context.Context, trigger WatchEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = &trigger
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		t := w.pending
		w.pending = nil
		w.runCount++
		count := w.runCount
		w.mu.Unlock()

		if w.rerun != nil && t != nil {
			_ = w.rerun(ctx, *t)
		}
		if w.onRerun != nil && t != nil {
			w.onRerun(*t, count)
		}
	})
}

// Stop cleanly closes the underlying watcher and cancels any pending
// debounce timer.
func (w *WatchEngine) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
