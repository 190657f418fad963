// Package fsevents exposes a directory tree as an API object. Clients can
// list and read files over RPC and subscribe to change publications that are
// driven by an fsnotify watcher on the server.
package fsevents

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/remapi/remapi/server"
)

const (
	// EventFileChanged is published with a Change payload when the content
	// of a watched file is modified. Rapid successive writes to the same
	// file are debounced into a single publication.
	EventFileChanged = "fileChanged"

	// EventTreeChanged is published with a Change payload when files or
	// directories are created, removed or renamed under the root.
	EventTreeChanged = "treeChanged"
)

// Change ops.
const (
	OpCreated  = "created"
	OpModified = "modified"
	OpRemoved  = "removed"
	OpRenamed  = "renamed"
)

// ErrNotFound is returned when a requested path does not resolve to a
// regular file under the watched root.
var ErrNotFound = errors.New("file not found")

const defaultDebounce = 250 * time.Millisecond

// Change is the payload of both publications. Path is relative to the
// watched root and uses forward slashes.
type Change struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// FileInfo describes one regular file under the root.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// FileContents carries a file's data. Text is set when the content is valid
// UTF-8, otherwise Blob carries it base64 encoded.
type FileContents struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger used for watcher diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithDebounce sets the per-file quiet period before a fileChanged
// publication fires. Zero disables debouncing.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// Watcher watches an OS directory tree and serves it as an API object.
// Symlinks are resolved and access is constrained to the resolved root.
type Watcher struct {
	root     string // absolute, symlink-evaluated
	log      *slog.Logger
	debounce time.Duration

	api *server.Api
	fsw *fsnotify.Watcher

	mu         sync.Mutex
	debouncers map[string]*debouncer

	closeOnce sync.Once
	done      chan struct{}
}

// New starts watching the directory tree rooted at root. The returned
// Watcher's Api must be registered on a connection manager before clients
// can reach it. Close releases the underlying OS watches.
func New(root string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	st, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", root)
	}

	w := &Watcher{
		root:       real,
		log:        slog.Default(),
		debounce:   defaultDebounce,
		debouncers: make(map[string]*debouncer),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	w.fsw, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	if err := w.addDirs(); err != nil {
		w.fsw.Close()
		return nil, fmt.Errorf("watch tree: %w", err)
	}

	w.api = w.buildApi()
	go w.run()
	return w, nil
}

// Api returns the API object backed by this watcher.
func (w *Watcher) Api() *server.Api { return w.api }

// Root returns the resolved directory being watched.
func (w *Watcher) Root() string { return w.root }

// Close stops the watcher. Pending debounced publications are dropped.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) buildApi() *server.Api {
	api := server.NewApi(server.WithPublications(EventFileChanged, EventTreeChanged))

	api.Method("listFiles", func(ctx context.Context, call *server.MethodCall) (any, error) {
		return w.listFiles(ctx)
	})
	api.Method("readFile", func(ctx context.Context, call *server.MethodCall) (any, error) {
		rel, err := pathArg(call)
		if err != nil {
			return nil, err
		}
		return w.readFile(rel)
	})
	api.Method("stat", func(ctx context.Context, call *server.MethodCall) (any, error) {
		rel, err := pathArg(call)
		if err != nil {
			return nil, err
		}
		return w.stat(rel)
	})
	return api
}

func pathArg(call *server.MethodCall) (string, error) {
	if len(call.Args) == 0 {
		return "", errors.New("missing path argument")
	}
	s, ok := call.Args[0].(string)
	if !ok || s == "" {
		return "", errors.New("path argument must be a non-empty string")
	}
	return s, nil
}

func (w *Watcher) listFiles(ctx context.Context) ([]FileInfo, error) {
	var out []FileInfo
	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable nodes
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return nil
		}
		out = append(out, FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (w *Watcher) readFile(rel string) (*FileContents, error) {
	real, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(real)))
	if mt == "" {
		mt = "application/octet-stream"
	}
	fc := &FileContents{Path: rel, MimeType: mt}
	if utf8.Valid(data) {
		fc.Text = string(data)
	} else {
		fc.Blob = base64.StdEncoding.EncodeToString(data)
	}
	return fc, nil
}

func (w *Watcher) stat(rel string) (*FileInfo, error) {
	real, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return &FileInfo{Path: rel, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// resolve maps a client-supplied relative path to a symlink-resolved
// absolute path, rejecting anything that escapes the root.
func (w *Watcher) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	real, err := filepath.EvalSymlinks(filepath.Join(w.root, clean))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if !within(real, w.root) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	st, err := os.Stat(real)
	if err != nil || st.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return real, nil
}

func (w *Watcher) addDirs() error {
	return filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(p)
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Debug("fsevents.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, ok := w.relPath(ev.Name)
	if !ok {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		// New directories need their own watch before events inside them
		// can be seen.
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.log.Debug("fsevents.watch.add_fail",
					slog.String("path", rel), slog.String("err", err.Error()))
			}
		}
		w.api.Publish(EventTreeChanged, Change{Path: rel, Op: OpCreated})
	}
	if ev.Op&fsnotify.Remove != 0 {
		w.api.Publish(EventTreeChanged, Change{Path: rel, Op: OpRemoved})
	}
	if ev.Op&fsnotify.Rename != 0 {
		w.api.Publish(EventTreeChanged, Change{Path: rel, Op: OpRenamed})
	}
	if ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0 {
		w.markModified(rel)
	}
}

func (w *Watcher) relPath(name string) (string, bool) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", false
	}
	if !within(abs, w.root) {
		return "", false
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// markModified schedules a debounced fileChanged publication for rel.
func (w *Watcher) markModified(rel string) {
	w.mu.Lock()
	db, ok := w.debouncers[rel]
	if !ok {
		db = &debouncer{
			interval: w.debounce,
			fire: func() {
				select {
				case <-w.done:
					return
				default:
				}
				w.api.Publish(EventFileChanged, Change{Path: rel, Op: OpModified})
			},
		}
		w.debouncers[rel] = db
	}
	w.mu.Unlock()
	db.trigger()
}

// within returns true if target equals root or is a descendant of root.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	pending  bool
	interval time.Duration
	fire     func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interval <= 0 {
		d.fire()
		return
	}
	if d.pending {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.interval, d.flush)
	} else {
		d.timer.Reset(d.interval)
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	d.pending = false
	d.mu.Unlock()
	d.fire()
}
