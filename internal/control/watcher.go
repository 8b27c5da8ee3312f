package control

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// Logger is the minimal logging surface the watcher needs.
type Logger interface {
	Logf(format string, args ...interface{})
}

// Watcher observes the control file and reports state changes. Changes are
// observed on a ~1s poll, immediately on SIGUSR1, and opportunistically via
// filesystem events when fsnotify is available. The poll is authoritative;
// fsnotify and the signal only shorten the latency.
type Watcher struct {
	path         string
	pollInterval time.Duration
	onChange     func(File)
	log          Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current File
}

// NewWatcher creates a watcher for the control file at path. onChange fires
// once at startup with the initial state and again whenever the parsed state
// differs from the last observed one.
func NewWatcher(path string, pollInterval time.Duration, log Logger, onChange func(File)) *Watcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Watcher{
		path:         path,
		pollInterval: pollInterval,
		onChange:     onChange,
		log:          log,
		current:      Default(),
	}
}

// Current returns the most recently observed control state.
func (w *Watcher) Current() File {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching until the context is canceled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	// Initial read establishes the baseline and notifies unconditionally.
	f, err := Load(w.path)
	if err != nil {
		w.log.Logf("control file unreadable, defaulting to running: %v", err)
		f = Default()
	}
	w.mu.Lock()
	w.current = f
	w.mu.Unlock()
	w.onChange(f)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Logf("fsnotify unavailable (%v), relying on polling", err)
	} else {
		w.fsw = fsw
		// Watch the directory: catches atomic replace (tmp-then-rename)
		// which removes the watched inode.
		if err := fsw.Add(filepath.Dir(w.path)); err != nil {
			w.log.Logf("failed to watch control directory: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGUSR1)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer signal.Stop(sigCh)

		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		var events <-chan fsnotify.Event
		var errs <-chan error
		if w.fsw != nil {
			events = w.fsw.Events
			errs = w.fsw.Errors
		}

		for {
			select {
			case <-ticker.C:
				w.reload()
			case <-sigCh:
				w.log.Logf("SIGUSR1 received, reloading control file")
				w.reload()
			case event, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if event.Name == w.path {
					w.reload()
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				w.log.Logf("control watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// reload re-reads the control file and notifies when the state changed.
// Parse errors keep the previous state so a half-edited file cannot flip the
// daemon into an unintended mode.
func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		w.log.Logf("ignoring unreadable control file: %v", err)
		return
	}
	w.mu.Lock()
	changed := f != w.current
	if changed {
		w.current = f
	}
	w.mu.Unlock()
	if changed {
		w.onChange(f)
	}
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.fsw != nil {
		return w.fsw.Close()
	}
	return nil
}
