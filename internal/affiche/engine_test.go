package affiche

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"galerie/internal/logging"
)

// writeConverter creates a fake display writer as a shell script. It
// reports progress on stdout, copies the input image to the preview
// path, and blocks until the release file appears.
func writeConverter(t *testing.T, dir, release string, exitCode int) []string {
	t.Helper()
	script := filepath.Join(dir, "converter.sh")
	body := `#!/bin/sh
image="$1"
preview="$7"
echo "Status: CONVERTING"
cp "$image" "$preview"
echo "Status: DISPLAYING"
while [ ! -e "` + release + `" ]; do sleep 0.01; done
exit ` + strconv.Itoa(exitCode) + `
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return []string{"/bin/sh", script}
}

func release(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeUpload(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("image-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// waitFor polls the engine until the predicate holds.
func waitFor(t *testing.T, e *Engine, what string, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	snap, seen := e.State()
	for !pred(snap) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, snap)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		snap, seen = e.Wait(ctx, 50*time.Millisecond, seen)
		cancel()
	}
	return snap
}

func TestEngineJobLifecycle(t *testing.T) {
	dir := t.TempDir()
	previewDir := filepath.Join(dir, "preview")
	if err := os.MkdirAll(previewDir, 0o755); err != nil {
		t.Fatal(err)
	}
	releasePath := filepath.Join(dir, "release")
	e := NewEngine(writeConverter(t, dir, releasePath, 0), previewDir, logging.Discard())

	if snap := e.Snapshot(); snap.Status != StatusReady || snap.SubStatus != SubStatusNone {
		t.Fatalf("initial snapshot = %+v", snap)
	}

	upload := writeUpload(t, dir, "photo.png")
	info := map[string]any{"file_name": "photo.png"}
	if err := e.Submit(upload, map[string]any{"contrast": int64(2)}, info); err != nil {
		t.Fatal(err)
	}

	snap := waitFor(t, e, "DISPLAYING", func(s Snapshot) bool {
		return s.SubStatus == SubStatusDisplaying
	})
	if snap.Status != StatusBusy {
		t.Errorf("status during job = %q", snap.Status)
	}
	// The preview became visible before the subprocess exited.
	if snap.Preview == "" {
		t.Error("no preview while displaying")
	}
	if snap.ImageInfo["file_name"] != "photo.png" {
		t.Errorf("imageInfo = %v", snap.ImageInfo)
	}

	release(t, releasePath)
	snap = waitFor(t, e, "READY", func(s Snapshot) bool {
		return s.Status == StatusReady && s.SubStatus == SubStatusNone
	})
	if snap.Preview == "" {
		t.Error("preview lost after completion")
	}

	name := filepath.Base(snap.Preview)
	if e.PreviewPath(name) == "" {
		t.Errorf("PreviewPath(%q) did not resolve", name)
	}
	if e.PreviewPath("preview_other.png") != "" {
		t.Error("stale preview name resolved")
	}

	// The engine owns the upload and removes it when the job ends.
	waitGone(t, upload)
}

func TestEngineRejectsWhileBusy(t *testing.T) {
	dir := t.TempDir()
	releasePath := filepath.Join(dir, "release")
	e := NewEngine(writeConverter(t, dir, releasePath, 0), dir, logging.Discard())

	if err := e.Submit(writeUpload(t, dir, "one.png"), nil, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, e, "BUSY", func(s Snapshot) bool { return s.Status == StatusBusy })

	second := writeUpload(t, dir, "two.png")
	if err := e.Submit(second, nil, nil); err != ErrBusy {
		t.Fatalf("second submit error = %v, want ErrBusy", err)
	}

	release(t, releasePath)
	waitFor(t, e, "READY", func(s Snapshot) bool { return s.Status == StatusReady })
}

func TestEngineFailureClearsJob(t *testing.T) {
	dir := t.TempDir()
	releasePath := filepath.Join(dir, "release")
	release(t, releasePath) // exit immediately
	e := NewEngine(writeConverter(t, dir, releasePath, 1), dir, logging.Discard())

	upload := writeUpload(t, dir, "photo.png")
	if err := e.Submit(upload, nil, nil); err != nil {
		t.Fatal(err)
	}

	snap := waitFor(t, e, "FAILED", func(s Snapshot) bool { return s.Status == StatusFailed })
	if snap.SubStatus != SubStatusNone {
		t.Errorf("subStatus after failure = %q", snap.SubStatus)
	}
	if snap.Preview != "" {
		t.Errorf("failed job left preview %q", snap.Preview)
	}
	waitGone(t, upload)

	// A failed engine accepts the next job.
	if err := e.Submit(writeUpload(t, dir, "again.png"), nil, nil); err != nil {
		t.Fatalf("submit after failure: %v", err)
	}
	waitFor(t, e, "terminal state", func(s Snapshot) bool { return s.Status != StatusBusy })
}

func TestEnginePreviewSwapUnlinksOld(t *testing.T) {
	dir := t.TempDir()
	releasePath := filepath.Join(dir, "release")
	release(t, releasePath)
	e := NewEngine(writeConverter(t, dir, releasePath, 0), dir, logging.Discard())

	if err := e.Submit(writeUpload(t, dir, "one.png"), nil, nil); err != nil {
		t.Fatal(err)
	}
	first := waitFor(t, e, "first READY", func(s Snapshot) bool {
		return s.Status == StatusReady && s.Preview != ""
	})
	firstPath := e.PreviewPath(filepath.Base(first.Preview))

	if err := e.Submit(writeUpload(t, dir, "two.png"), nil, nil); err != nil {
		t.Fatal(err)
	}
	second := waitFor(t, e, "second READY", func(s Snapshot) bool {
		return s.Status == StatusReady && s.Preview != "" && s.Preview != first.Preview
	})

	if e.PreviewPath(filepath.Base(second.Preview)) == "" {
		t.Error("new preview did not resolve")
	}
	if e.PreviewPath(filepath.Base(first.Preview)) != "" {
		t.Error("old preview name still resolves")
	}
	waitGone(t, firstPath)
}

// A writer that floods stdout with a very long line must not wedge the
// engine: lines up to the enlarged buffer are read normally, and an
// oversized line fails the job instead of deadlocking the child on a
// full pipe.
func TestEngineSurvivesLongWriterOutput(t *testing.T) {
	dir := t.TempDir()

	script := filepath.Join(dir, "chatty.sh")
	body := `#!/bin/sh
head -c 200000 /dev/zero | tr '\0' 'x'
echo
echo "Status: DISPLAYING"
cp "$1" "$7"
exit 0
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	e := NewEngine([]string{"/bin/sh", script}, dir, logging.Discard())
	if err := e.Submit(writeUpload(t, dir, "one.png"), nil, nil); err != nil {
		t.Fatal(err)
	}
	snap := waitFor(t, e, "READY after long line", func(s Snapshot) bool {
		return s.Status != StatusBusy
	})
	if snap.Status != StatusReady {
		t.Errorf("status = %q, want READY", snap.Status)
	}

	script = filepath.Join(dir, "flood.sh")
	body = `#!/bin/sh
head -c 2000000 /dev/zero | tr '\0' 'x'
echo
exit 0
`
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	e = NewEngine([]string{"/bin/sh", script}, dir, logging.Discard())
	if err := e.Submit(writeUpload(t, dir, "two.png"), nil, nil); err != nil {
		t.Fatal(err)
	}
	snap = waitFor(t, e, "terminal state after oversized line", func(s Snapshot) bool {
		return s.Status != StatusBusy
	})
	if snap.Status != StatusFailed {
		t.Errorf("status = %q, want FAILED", snap.Status)
	}
	// The engine is not wedged; the next job runs.
	if err := e.Submit(writeUpload(t, dir, "three.png"), nil, nil); err != nil {
		t.Fatalf("submit after flood: %v", err)
	}
	waitFor(t, e, "terminal state", func(s Snapshot) bool { return s.Status != StatusBusy })
}

// A change landing between State and Wait is reported immediately, not
// after the keep-alive timeout.
func TestWaitSeesChangeBeforeSubscribe(t *testing.T) {
	dir := t.TempDir()
	releasePath := filepath.Join(dir, "release")
	e := NewEngine(writeConverter(t, dir, releasePath, 0), dir, logging.Discard())

	_, seen := e.State()

	// Mutates state before the waiter subscribes.
	if err := e.Submit(writeUpload(t, dir, "one.png"), nil, nil); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	snap, _ := e.Wait(context.Background(), 10*time.Second, seen)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Wait blocked %v on an already-changed state", elapsed)
	}
	if snap.Status != StatusBusy {
		t.Errorf("status = %q, want BUSY", snap.Status)
	}

	release(t, releasePath)
	waitFor(t, e, "READY", func(s Snapshot) bool { return s.Status == StatusReady })
}

func waitGone(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s was not removed", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
