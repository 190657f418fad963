package fsevents_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/remapi/remapi/client"
	"github.com/remapi/remapi/fsevents"
	"github.com/remapi/remapi/loopback"
	"github.com/remapi/remapi/proto"
	"github.com/remapi/remapi/server"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWatcherApi(t *testing.T) (string, *client.Api) {
	t.Helper()

	root := t.TempDir()
	w, err := fsevents.New(root,
		fsevents.WithLogger(quietLogger()),
		fsevents.WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	cm := server.NewConnectionManager(server.WithLogger(quietLogger()))
	t.Cleanup(cm.Close)
	if err := cm.RegisterApi(w.Api(), "/fs/watch"); err != nil {
		t.Fatalf("register: %v", err)
	}

	conn := client.NewConnection(loopback.New(cm, loopback.WithLogger(quietLogger())),
		client.WithLogger(quietLogger()))
	t.Cleanup(conn.Close)

	api, err := conn.Api("/fs/watch")
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	return root, api
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []fsevents.Change
}

func (r *changeRecorder) handler(t *testing.T) client.Handler {
	return func(payload any) {
		var c fsevents.Change
		if err := proto.DecodeBody(payload, &c); err != nil {
			t.Errorf("decode change: %v", err)
			return
		}
		r.mu.Lock()
		r.changes = append(r.changes, c)
		r.mu.Unlock()
	}
}

func (r *changeRecorder) waitFor(t *testing.T, match func(fsevents.Change) bool) fsevents.Change {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		r.mu.Lock()
		for _, c := range r.changes {
			if match(c) {
				r.mu.Unlock()
				return c
			}
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("expected change never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestListAndReadFiles(t *testing.T) {
	t.Parallel()

	root, api := newWatcherApi(t)
	writeFile(t, filepath.Join(root, "notes.txt"), "remember the milk")
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(root, "sub", "deep.txt"), "below")

	ctx := context.Background()
	var files []fsevents.FileInfo
	if err := api.CallInto(ctx, &files, "listFiles"); err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files: %#v", len(files), files)
	}
	if files[0].Path != "notes.txt" || files[1].Path != "sub/deep.txt" {
		t.Fatalf("unexpected paths: %#v", files)
	}

	var fc fsevents.FileContents
	if err := api.CallInto(ctx, &fc, "readFile", "notes.txt"); err != nil {
		t.Fatalf("readFile: %v", err)
	}
	if fc.Text != "remember the milk" {
		t.Fatalf("contents: %#v", fc)
	}
	if fc.MimeType != "text/plain; charset=utf-8" {
		t.Fatalf("mime: %q", fc.MimeType)
	}

	var info fsevents.FileInfo
	if err := api.CallInto(ctx, &info, "stat", "sub/deep.txt"); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size != int64(len("below")) {
		t.Fatalf("stat: %#v", info)
	}
}

func TestReadFile_RejectsEscape(t *testing.T) {
	t.Parallel()

	_, api := newWatcherApi(t)
	ctx := context.Background()

	for _, p := range []string{"../outside.txt", "/etc/passwd", "missing.txt"} {
		var remote *client.RemoteError
		_, err := api.Call(ctx, "readFile", p)
		if !errors.As(err, &remote) {
			t.Fatalf("readFile(%q): want remote error, got %v", p, err)
		}
	}
}

func TestFileChangedPublication(t *testing.T) {
	t.Parallel()

	root, api := newWatcherApi(t)
	writeFile(t, filepath.Join(root, "config.json"), "{}")

	rec := &changeRecorder{}
	unsub, err := api.Subscribe(context.Background(), fsevents.EventFileChanged, rec.handler(t))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	writeFile(t, filepath.Join(root, "config.json"), `{"enabled":true}`)

	got := rec.waitFor(t, func(c fsevents.Change) bool {
		return c.Path == "config.json" && c.Op == fsevents.OpModified
	})
	if got.Op != fsevents.OpModified {
		t.Fatalf("change: %#v", got)
	}
}

func TestTreeChangedPublication(t *testing.T) {
	t.Parallel()

	root, api := newWatcherApi(t)

	rec := &changeRecorder{}
	unsub, err := api.Subscribe(context.Background(), fsevents.EventTreeChanged, rec.handler(t))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	writeFile(t, filepath.Join(root, "fresh.txt"), "hello")
	rec.waitFor(t, func(c fsevents.Change) bool {
		return c.Path == "fresh.txt" && c.Op == fsevents.OpCreated
	})

	if err := os.Remove(filepath.Join(root, "fresh.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rec.waitFor(t, func(c fsevents.Change) bool {
		return c.Path == "fresh.txt" && c.Op == fsevents.OpRemoved
	})
}

func TestWatchesNewDirectories(t *testing.T) {
	t.Parallel()

	root, api := newWatcherApi(t)

	rec := &changeRecorder{}
	unsub, err := api.Subscribe(context.Background(), fsevents.EventTreeChanged, rec.handler(t))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := os.MkdirAll(filepath.Join(root, "later"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rec.waitFor(t, func(c fsevents.Change) bool {
		return c.Path == "later" && c.Op == fsevents.OpCreated
	})

	writeFile(t, filepath.Join(root, "later", "inner.txt"), "deep")
	rec.waitFor(t, func(c fsevents.Change) bool {
		return c.Path == "later/inner.txt" && c.Op == fsevents.OpCreated
	})
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	w, err := fsevents.New(t.TempDir(), fsevents.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
