// Package watch keeps a registry in step with a directory of batch files.
//
// A Loader registers every batch file it finds in its directory, then follows
// filesystem events: a new or rewritten file is (re)loaded, a removed file is
// unloaded. This is how a host picks up code modules dropped into a plugin
// directory without restarting.
//
// Reloading registers the new batch before deregistering the old one, so a
// return address present in both versions is never missing from the index.
// The old mapping is unmapped inside a rendezvous of the configured group,
// after every stack walker has passed a safepoint.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/kolkov/framedescr/internal/frames/batchfile"
	"github.com/kolkov/framedescr/internal/frames/descr"
	"github.com/kolkov/framedescr/internal/frames/stw"
)

const (
	// DefaultExt is the file extension watched when Options.Ext is empty.
	DefaultExt = ".fdb"

	// DefaultDebounce is how long events for one file must settle before it
	// is reloaded.
	DefaultDebounce = 250 * time.Millisecond
)

// ErrClosed is returned by Loader methods called after Close.
var ErrClosed = errors.New("watch: loader closed")

// Target is the registry a Loader feeds.
type Target interface {
	Register(batches ...*descr.Batch) error
	Deregister(batches ...*descr.Batch) error
}

// Options configures a Loader. The zero value is usable.
type Options struct {
	// Ext selects the files to load. Default: DefaultExt.
	Ext string

	// Debounce delays reloads until events settle. Default: DefaultDebounce.
	Debounce time.Duration

	// Group is the rendezvous group of the stack walkers using the target.
	// Unmapping waits for a rendezvous of this group. Nil means no walker
	// holds descriptors past a lookup and files are closed right away.
	Group *stw.Group

	// Logger receives load and unload events, and file events at V(1).
	// The zero value discards everything.
	Logger logr.Logger
}

// Event is the outcome of one Sync.
type Event int

const (
	// Unchanged means the file on disk matches the loaded batch.
	Unchanged Event = iota
	// Loaded means a file not loaded before was registered.
	Loaded
	// Reloaded means a changed file replaced its previous batch.
	Reloaded
	// Unloaded means a file that disappeared was deregistered.
	Unloaded
)

func (e Event) String() string {
	switch e {
	case Unchanged:
		return "unchanged"
	case Loaded:
		return "loaded"
	case Reloaded:
		return "reloaded"
	case Unloaded:
		return "unloaded"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Loader mirrors the batch files of one directory into a Target.
//
// Thread Safety: Safe for concurrent use. Syncs are serialized.
type Loader struct {
	dir      string
	ext      string
	debounce time.Duration
	target   Target
	group    *stw.Group
	log      logr.Logger

	mu      sync.Mutex
	files   map[string]*batchfile.File // By base name.
	pending map[string]*time.Timer
	closed  bool
}

// New returns a Loader for dir. Nothing is loaded until Scan or Run.
func New(dir string, target Target, opts Options) *Loader {
	if opts.Ext == "" {
		opts.Ext = DefaultExt
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Loader{
		dir:      dir,
		ext:      opts.Ext,
		debounce: opts.Debounce,
		target:   target,
		group:    opts.Group,
		log:      opts.Logger.WithName("watch").WithValues("dir", dir),
		files:    make(map[string]*batchfile.File),
		pending:  make(map[string]*time.Timer),
	}
}

// Scan syncs every matching file currently in the directory. A file that
// fails to load is logged and skipped; the joined errors are returned.
func (l *Loader) Scan() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("watch: scan %s: %w", l.dir, err)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || !l.matches(e.Name()) {
			continue
		}
		if _, err := l.Sync(e.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run scans the directory and then follows it until ctx is done. Loaded
// files stay registered when Run returns; Close unloads them.
func (l *Loader) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer w.Close()

	// Watch before scanning so no file slips in between.
	if err := w.Add(l.dir); err != nil {
		return fmt.Errorf("watch: watch %s: %w", l.dir, err)
	}
	if err := l.Scan(); err != nil {
		l.log.Error(err, "initial scan incomplete")
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !l.matches(name) {
				continue
			}
			l.log.V(1).Info("file event", "file", name, "op", ev.Op.String())
			l.schedule(name)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.Error(err, "watcher failed")

		case <-ctx.Done():
			l.stopPending()
			return nil
		}
	}
}

// schedule syncs name once its events have settled.
func (l *Loader) schedule(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if t, ok := l.pending[name]; ok {
		t.Stop()
	}
	l.pending[name] = time.AfterFunc(l.debounce, func() {
		l.mu.Lock()
		delete(l.pending, name)
		l.mu.Unlock()

		if _, err := l.Sync(name); err != nil && !errors.Is(err, ErrClosed) {
			l.log.Error(err, "sync failed", "file", name)
		}
	})
}

func (l *Loader) stopPending() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, t := range l.pending {
		t.Stop()
		delete(l.pending, name)
	}
}

// Sync brings the registration of the file called name in line with the
// directory and reports what changed.
//
// A file that cannot be opened is left unregistered if it was new, and its
// previous batch stays registered if it was a reload.
func (l *Loader) Sync(name string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Unchanged, ErrClosed
	}

	old := l.files[name]
	path := filepath.Join(l.dir, name)

	f, err := batchfile.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		if old == nil {
			return Unchanged, nil
		}
		if err := l.unloadLocked(name, old); err != nil {
			return Unchanged, err
		}
		l.log.Info("batch unloaded", "file", name)
		return Unloaded, nil
	}
	if err != nil {
		return Unchanged, err
	}

	if old != nil && old.Header().Checksum == f.Header().Checksum &&
		old.Header().PayloadLen == f.Header().PayloadLen {
		return Unchanged, f.Close()
	}

	if err := l.target.Register(f.Batch()); err != nil {
		return Unchanged, errors.Join(fmt.Errorf("watch: register %s: %w", name, err), f.Close())
	}
	l.files[name] = f

	if old == nil {
		l.log.Info("batch loaded", "file", name, "descriptors", f.Batch().Len())
		return Loaded, nil
	}

	if err := l.target.Deregister(old.Batch()); err != nil {
		return Reloaded, fmt.Errorf("watch: deregister previous %s: %w", name, err)
	}
	if err := l.release(old); err != nil {
		return Reloaded, err
	}
	l.log.Info("batch reloaded", "file", name, "descriptors", f.Batch().Len())
	return Reloaded, nil
}

func (l *Loader) unloadLocked(name string, f *batchfile.File) error {
	if err := l.target.Deregister(f.Batch()); err != nil {
		return fmt.Errorf("watch: deregister %s: %w", name, err)
	}
	delete(l.files, name)
	return l.release(f)
}

// release unmaps f once no walker can still hold one of its descriptors.
func (l *Loader) release(f *batchfile.File) error {
	if l.group == nil {
		return f.Close()
	}
	var err error
	for !l.group.TryRunOnAll(func() { err = f.Close() }) {
	}
	return err
}

// Loaded returns the base names of the registered files, sorted.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.files))
	for name := range l.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close unloads every file and stops pending reloads. Later calls return nil.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	for name, t := range l.pending {
		t.Stop()
		delete(l.pending, name)
	}

	var errs []error
	for name, f := range l.files {
		if err := l.unloadLocked(name, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) matches(name string) bool {
	return filepath.Ext(name) == l.ext
}
