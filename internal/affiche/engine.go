// Package affiche is the display agent: it accepts photo uploads, runs
// the display-writer subprocess to convert and push them to the panel,
// and publishes the conversion state to clients.
package affiche

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"galerie/internal/notify"
)

// Status is the engine's coarse state.
type Status string

const (
	StatusReady  Status = "READY"
	StatusFailed Status = "FAILED"
	StatusBusy   Status = "BUSY"
)

// SubStatus tracks the running conversion's progress, advanced by the
// subprocess's stdout.
type SubStatus string

const (
	SubStatusNone       SubStatus = "NONE"
	SubStatusLaunching  SubStatus = "LAUNCHING"
	SubStatusConverting SubStatus = "CONVERTING"
	SubStatusDisplaying SubStatus = "DISPLAYING"
)

// ErrBusy is returned when a job is submitted while one is running.
var ErrBusy = errors.New("a display job is already running")

var statusLine = regexp.MustCompile(`^Status: (LAUNCHING|CONVERTING|DISPLAYING)\s*$`)

// Snapshot is one observable engine state.
type Snapshot struct {
	Status    Status         `json:"status"`
	SubStatus SubStatus      `json:"subStatus"`
	Preview   string         `json:"preview,omitempty"`
	ImageInfo map[string]any `json:"imageInfo,omitempty"`
}

// Engine runs at most one display job at a time. State changes happen
// under one lock and are broadcast through the signal; readers take a
// snapshot under the same lock.
type Engine struct {
	command    []string
	previewDir string
	logger     *slog.Logger
	changed    *notify.Signal

	mu          sync.Mutex
	status      Status
	subStatus   SubStatus
	previewPath string
	imageInfo   map[string]any
}

// NewEngine creates an idle engine. command is the display-writer argv
// prefix; previewDir receives the per-job preview files.
func NewEngine(command []string, previewDir string, logger *slog.Logger) *Engine {
	return &Engine{
		command:    command,
		previewDir: previewDir,
		logger:     logger,
		changed:    notify.NewSignal(),
		status:     StatusReady,
		subStatus:  SubStatusNone,
	}
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() Snapshot {
	snap, _ := e.State()
	return snap
}

// State returns the current state and its version. Every mutation
// advances the version, so a caller can hand the version to Wait and
// never miss a change that lands in between.
func (e *Engine) State() (Snapshot, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), e.changed.Version()
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:    e.status,
		SubStatus: e.subStatus,
		ImageInfo: e.imageInfo,
	}
	if e.previewPath != "" {
		snap.Preview = "/preview/" + filepath.Base(e.previewPath)
	}
	return snap
}

// Wait blocks until the state version differs from seen, the timeout
// elapses, or ctx is done, then returns the state at that moment. A
// change that happened before the call returns immediately. The
// timeout bounds SSE keep-alives.
func (e *Engine) Wait(ctx context.Context, timeout time.Duration, seen uint64) (Snapshot, uint64) {
	e.changed.Await(ctx, timeout, seen)
	return e.State()
}

// broadcast wakes every waiter. Callers hold e.mu.
func (e *Engine) broadcast() {
	e.changed.Notify()
}

// PreviewPath resolves a preview name to its file path, or "" when the
// name does not match the current preview.
func (e *Engine) PreviewPath(name string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.previewPath == "" || filepath.Base(e.previewPath) != name {
		return ""
	}
	return e.previewPath
}

// Submit starts a display job for an uploaded image. The engine owns
// imagePath from here on and removes it when the job ends. Returns
// ErrBusy while a job is running; a FAILED engine accepts new jobs.
func (e *Engine) Submit(imagePath string, options, info map[string]any) error {
	e.mu.Lock()
	if e.status == StatusBusy {
		e.mu.Unlock()
		return ErrBusy
	}
	e.status = StatusBusy
	e.subStatus = SubStatusLaunching
	e.imageInfo = info
	e.broadcast()
	e.mu.Unlock()

	go e.runJob(imagePath, options, info)
	return nil
}

func (e *Engine) runJob(imagePath string, options, info map[string]any) {
	defer os.Remove(imagePath)

	previewPath := filepath.Join(e.previewDir, "preview_"+uuid.NewString()+".png")
	err := e.convert(imagePath, previewPath, options, info)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.logger.Error("display job failed", "component", "affiche",
			"image", filepath.Base(imagePath), "error", err)
		e.status = StatusFailed
		e.subStatus = SubStatusNone
		if e.previewPath == previewPath {
			e.previewPath = ""
		}
		os.Remove(previewPath)
		e.broadcast()
		return
	}

	e.status = StatusReady
	e.subStatus = SubStatusNone
	if _, statErr := os.Stat(previewPath); statErr == nil {
		e.swapPreviewLocked(previewPath)
	}
	e.broadcast()
	e.logger.Info("display job finished", "component", "affiche",
		"image", filepath.Base(imagePath))
}

// convert runs the display writer and advances the sub-status as the
// subprocess reports progress on stdout.
func (e *Engine) convert(imagePath, previewPath string, options, info map[string]any) error {
	if len(e.command) == 0 {
		return errors.New("no display writer configured")
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}

	argv := make([]string, 0, len(e.command)+7)
	argv = append(argv, e.command...)
	argv = append(argv, imagePath,
		"--options", string(optionsJSON),
		"--info", string(infoJSON),
		"--preview", previewPath)

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe display writer: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start display writer: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m := statusLine.FindStringSubmatch(line)
		if m == nil {
			e.logger.Debug("display writer", "component", "affiche", "line", line)
			continue
		}
		switch SubStatus(m[1]) {
		case SubStatusConverting:
			e.setSubStatus(SubStatusConverting)
		case SubStatusDisplaying:
			// The panel is being written: the preview is complete, so it
			// becomes visible before the subprocess exits.
			if _, statErr := os.Stat(previewPath); statErr == nil {
				e.mu.Lock()
				e.swapPreviewLocked(previewPath)
				e.mu.Unlock()
			}
			e.setSubStatus(SubStatusDisplaying)
		case SubStatusLaunching:
			e.setSubStatus(SubStatusLaunching)
		}
	}

	// A scan failure (such as an oversized line) leaves unread output in
	// the pipe; drain it so the child can reach EOF and exit instead of
	// blocking on a full pipe forever.
	readErr := scanner.Err()
	if readErr != nil {
		io.Copy(io.Discard, stdout)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("display writer: %w", err)
	}
	if readErr != nil {
		return fmt.Errorf("read display writer output: %w", readErr)
	}
	return nil
}

func (e *Engine) setSubStatus(s SubStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subStatus == s {
		return
	}
	e.subStatus = s
	e.broadcast()
}

// swapPreviewLocked moves the preview pointer, unlinking the previous
// file unless old and new are the same inode. Callers hold e.mu.
func (e *Engine) swapPreviewLocked(newPath string) {
	old := e.previewPath
	if old != "" && old != newPath && !sameFile(old, newPath) {
		if err := os.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("remove stale preview", "component", "affiche",
				"path", old, "error", err)
		}
	}
	e.previewPath = newPath
	e.broadcast()
}

func sameFile(a, b string) bool {
	fa, errA := os.Stat(a)
	fb, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(fa, fb)
}
