package markdeck

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Op identifies what a watcher observed about a file.
type Op int

const (
	OpAdd Op = iota
	OpChange
	OpUnlink
	OpError
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpChange:
		return "change"
	case OpUnlink:
		return "unlink"
	case OpError:
		return "error"
	}
	return "unknown"
}

// Event is a single observation from a directory scan. Path and ModTime are
// set for add/change (Path only for unlink); Err is set for error events.
type Event struct {
	Op      Op
	Path    string
	ModTime time.Time
	Err     error
}

// Handler receives watcher events. Each event is delivered on its own
// goroutine, so a slow or failing handler never stalls the poll loop or the
// other files in a scan.
type Handler func(Event)

// Watcher polls a directory on a fixed interval and reports files added,
// modified, or removed since the previous scan. Change detection compares
// modification timestamps against the last recorded listing; OS file-event
// APIs are deliberately not used.
type Watcher struct {
	dir      string
	interval time.Duration
	handler  Handler

	mu          sync.Mutex
	lastChecked map[string]time.Time
	lastScan    time.Time
	running     bool
	stop        chan struct{}
}

// NewWatcher creates a stopped watcher for dir. Call Start to begin polling.
func NewWatcher(dir string, interval time.Duration, h Handler) *Watcher {
	return &Watcher{
		dir:         dir,
		interval:    interval,
		handler:     h,
		lastChecked: make(map[string]time.Time),
	}
}

// Start performs an immediate scan and then polls on the configured
// interval. Starting a running watcher is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	go w.loop(stop)
}

// Stop cancels future scans. An in-flight scan's event dispatch is not
// retroactively cancelled. Stopping a stopped watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stop)
}

// LastScan reports when the most recent scan ran.
func (w *Watcher) LastScan() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastScan
}

func (w *Watcher) loop(stop chan struct{}) {
	w.scan()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan lists the directory, diffs the listing against the previous one, and
// emits one event per difference. The recorded map is replaced wholesale so a
// file's last-observed time always reflects the latest scan. A listing
// failure emits an error event; the next tick retries independently.
func (w *Watcher) scan() {
	defer func() {
		w.mu.Lock()
		w.lastScan = time.Now()
		w.mu.Unlock()
	}()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.emit(Event{Op: OpError, Err: fmt.Errorf("scan %s: %w", w.dir, err)})
		return
	}
	current := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		current[filepath.Join(w.dir, e.Name())] = info.ModTime()
	}

	w.mu.Lock()
	prev := w.lastChecked
	w.lastChecked = current
	w.mu.Unlock()

	for path, mod := range current {
		seen, ok := prev[path]
		switch {
		case !ok:
			w.emit(Event{Op: OpAdd, Path: path, ModTime: mod})
		case mod.After(seen):
			w.emit(Event{Op: OpChange, Path: path, ModTime: mod})
		}
	}
	for path := range prev {
		if _, ok := current[path]; !ok {
			w.emit(Event{Op: OpUnlink, Path: path})
		}
	}
}

func (w *Watcher) emit(ev Event) {
	if w.handler == nil {
		return
	}
	go w.handler(ev)
}

// Registry errors.
var (
	ErrAlreadyWatched = errors.New("directory is already being watched")
	ErrNotWatched     = errors.New("directory is not being watched")
)

// WatchStatus describes one active watcher.
type WatchStatus struct {
	Dir       string        `json:"path"`
	Interval  time.Duration `json:"-"`
	LastCheck time.Time     `json:"lastCheck"`
}

// Registry owns the set of active watchers, keyed by directory path. Its
// lifecycle belongs to whoever constructs it; there is no package-level
// instance.
type Registry struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewRegistry returns an empty watcher registry.
func NewRegistry() *Registry {
	return &Registry{watchers: make(map[string]*Watcher)}
}

// Watch starts a new watcher on dir and registers it. Watching an
// already-registered directory returns ErrAlreadyWatched.
func (r *Registry) Watch(dir string, interval time.Duration, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watchers[dir]; ok {
		return ErrAlreadyWatched
	}
	w := NewWatcher(dir, interval, h)
	r.watchers[dir] = w
	w.Start()
	return nil
}

// Stop halts and deregisters the watcher for dir.
func (r *Registry) Stop(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watchers[dir]
	if !ok {
		return ErrNotWatched
	}
	w.Stop()
	delete(r.watchers, dir)
	return nil
}

// Status lists the active watchers sorted by directory.
func (r *Registry) Status() []WatchStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WatchStatus, 0, len(r.watchers))
	for dir, w := range r.watchers {
		out = append(out, WatchStatus{Dir: dir, Interval: w.interval, LastCheck: w.LastScan()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out
}

// StopAll halts every watcher, for process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dir, w := range r.watchers {
		w.Stop()
		delete(r.watchers, dir)
	}
}
