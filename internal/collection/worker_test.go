package collection

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"galerie/internal/logging"
)

// stubStrategy counts scans and can spin until cancelled, to exercise
// interruption paths.
type stubStrategy struct {
	mu        sync.Mutex
	scans     int
	spin      bool // spin in Update until cancelled
	panicOnce bool // panic on the first scan only

	started chan struct{}
}

func newStubStrategy() *stubStrategy {
	return &stubStrategy{started: make(chan struct{}, 8)}
}

func (s *stubStrategy) scanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

func (s *stubStrategy) Update(db *sql.DB, cancelled func() bool) error {
	s.mu.Lock()
	s.scans++
	doPanic := s.panicOnce
	s.panicOnce = false
	spin := s.spin
	s.mu.Unlock()

	select {
	case s.started <- struct{}{}:
	default:
	}

	if doPanic {
		panic("scan blew up")
	}
	if spin {
		deadline := time.Now().Add(5 * time.Second)
		for !cancelled() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

func (s *stubStrategy) PhotoURL(*sql.DB, int64) (string, error) {
	return "", nil
}

func (s *stubStrategy) PhotoInfo(*sql.DB, int64) (map[string]any, error) {
	return nil, nil
}

func waitScanStart(t *testing.T, s *stubStrategy) {
	t.Helper()
	select {
	case <-s.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not start")
	}
}

func TestWorkerManualUpdate(t *testing.T) {
	stub := newStubStrategy()
	w := startWorker(workerConfig{
		identifier: "wall",
		strategy:   stub,
		logger:     logging.Discard(),
	})
	defer w.stop()

	w.requestUpdate(0)
	waitScanStart(t, stub)
	if stub.scanCount() < 1 {
		t.Fatal("no scan ran")
	}
}

func TestWorkerStopInterruptsScan(t *testing.T) {
	stub := newStubStrategy()
	stub.spin = true
	w := startWorker(workerConfig{
		identifier: "wall",
		strategy:   stub,
		logger:     logging.Discard(),
	})

	w.requestUpdate(0)
	waitScanStart(t, stub)

	done := make(chan struct{})
	go func() {
		w.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt the running scan")
	}
}

func TestWorkerUpdateDuringScanReschedules(t *testing.T) {
	stub := newStubStrategy()
	stub.spin = true
	w := startWorker(workerConfig{
		identifier: "wall",
		strategy:   stub,
		logger:     logging.Discard(),
	})
	defer w.stop()

	w.requestUpdate(0)
	waitScanStart(t, stub)

	// Interrupts the running scan; it is re-run right after.
	stub.mu.Lock()
	stub.spin = false
	stub.mu.Unlock()
	w.requestUpdate(0)
	waitScanStart(t, stub)

	if stub.scanCount() < 2 {
		t.Fatalf("scan count = %d, want at least 2", stub.scanCount())
	}
}

func TestWorkerSurvivesPanic(t *testing.T) {
	stub := newStubStrategy()
	stub.panicOnce = true
	w := startWorker(workerConfig{
		identifier: "wall",
		strategy:   stub,
		logger:     logging.Discard(),
	})
	defer w.stop()

	w.requestUpdate(0)
	waitScanStart(t, stub)

	w.requestUpdate(0)
	waitScanStart(t, stub)
	if stub.scanCount() < 2 {
		t.Fatalf("worker did not survive the panic, scan count = %d", stub.scanCount())
	}
}
