package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/mercury/internal/logging"
)

type recorder struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 16)}
}

func (r *recorder) onChange(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	r.ch <- id
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newWatcher(t *testing.T, r *recorder) *Watcher {
	t.Helper()
	w, err := New(r.onChange, WithDelay(50*time.Millisecond), WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestChangeTriggersCallback(t *testing.T) {
	r := newRecorder()
	w := newWatcher(t, r)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.js"), "module.exports = {}")
	if err := w.Add("pricing-sync", dir); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	writeFile(t, filepath.Join(dir, "index.js"), "module.exports = { v: 2 }")

	select {
	case id := <-r.ch:
		if id != "pricing-sync" {
			t.Errorf("got %q, want pricing-sync", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestBurstIsCoalesced(t *testing.T) {
	r := newRecorder()
	w := newWatcher(t, r)

	dir := t.TempDir()
	if err := w.Add("p", dir); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(dir, "lib", "a.js"), "x")
		writeFile(t, filepath.Join(dir, "b.js"), "y")
	}

	select {
	case <-r.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
	time.Sleep(200 * time.Millisecond)
	if got := r.count(); got != 1 {
		t.Errorf("callbacks = %d, want 1", got)
	}
}

func TestIgnoredDirectories(t *testing.T) {
	r := newRecorder()
	w := newWatcher(t, r)

	dir := t.TempDir()
	for _, sub := range []string{"data", "temp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Add("p", dir); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	writeFile(t, filepath.Join(dir, "data", "state.json"), "{}")
	writeFile(t, filepath.Join(dir, "temp", "scratch"), "x")
	writeFile(t, filepath.Join(dir, ".hidden"), "x")

	select {
	case id := <-r.ch:
		t.Errorf("unexpected change for %q", id)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestAddRemove(t *testing.T) {
	r := newRecorder()
	w := newWatcher(t, r)

	dir := t.TempDir()
	if err := w.Add("p", dir); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if err := w.Add("p", dir); err != ErrAlreadyWatching {
		t.Errorf("Add again error = %v, want ErrAlreadyWatching", err)
	}
	if err := w.Add("q", filepath.Join(dir, "missing")); err != ErrPathNotExist {
		t.Errorf("Add missing error = %v, want ErrPathNotExist", err)
	}
	if got := w.Watched(); len(got) != 1 || got[0] != "p" {
		t.Errorf("Watched = %v, want [p]", got)
	}

	w.Remove("p")
	if got := w.Watched(); len(got) != 0 {
		t.Errorf("Watched after Remove = %v, want empty", got)
	}

	writeFile(t, filepath.Join(dir, "index.js"), "x")
	select {
	case id := <-r.ch:
		t.Errorf("unexpected change for %q after Remove", id)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClose(t *testing.T) {
	w, err := New(func(string) {}, WithLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
	if err := w.Add("p", t.TempDir()); err != ErrWatcherClosed {
		t.Errorf("Add after Close error = %v, want ErrWatcherClosed", err)
	}
}
