package collection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// startupScanDelay is how soon a freshly started worker scans, so an
	// enabled collection does not wait for its first cron fire.
	startupScanDelay = 5 * time.Second

	// watchScanDelay batches watcher notifications: the scan runs this
	// long after the first change of a burst.
	watchScanDelay = 30 * time.Second
)

// message is one control request for a worker: either stop, or scan
// after delay.
type message struct {
	stop  bool
	delay time.Duration
}

type workerConfig struct {
	db         *sql.DB
	identifier string
	schedule   string
	strategy   Strategy
	logger     *slog.Logger
}

// worker drives one enabled collection: it scans on the cron schedule and
// on requested updates, and keeps draining control messages while a scan
// is running so stop and update requests interrupt it promptly.
type worker struct {
	workerConfig
	cronSchedule cron.Schedule // nil when the collection has no schedule
	ctrl         chan message
	done         chan struct{}

	// pendingUpdate is the earliest requested scan time; zero when none.
	// Touched only by the run goroutine.
	pendingUpdate time.Time
}

func startWorker(cfg workerConfig) *worker {
	w := &worker{
		workerConfig: cfg,
		ctrl:         make(chan message, 16),
		done:         make(chan struct{}),
	}
	if cfg.schedule != "" {
		// Validated when the entity was built; a failure here means the
		// stored row was tampered with, and the worker just runs without
		// a cron schedule.
		sched, err := cron.ParseStandard(cfg.schedule)
		if err == nil {
			w.cronSchedule = sched
		} else {
			w.logger.Error("unusable schedule", "component", "collection",
				"identifier", w.identifier, "schedule", cfg.schedule, "error", err)
		}
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	if watcher, ok := cfg.strategy.(Watcher); ok {
		go func() {
			err := watcher.Watch(watchCtx, func() {
				w.requestUpdate(watchScanDelay)
			})
			if err != nil && watchCtx.Err() == nil {
				w.logger.Error("source watch failed", "component", "collection",
					"identifier", w.identifier, "error", err)
			}
		}()
	}

	go func() {
		defer cancelWatch()
		w.run()
	}()
	return w
}

// stop shuts the worker down and waits until its scan, if any, has wound
// down.
func (w *worker) stop() {
	w.ctrl <- message{stop: true}
	<-w.done
}

// requestUpdate schedules a scan after delay. A full control channel
// already guarantees a pending request, so the message is dropped then.
func (w *worker) requestUpdate(delay time.Duration) {
	select {
	case w.ctrl <- message{delay: delay}:
	default:
	}
}

// noteUpdate moves the pending scan time earlier, never later. A stale
// deadline left over from an interrupted wait is replaced outright.
func (w *worker) noteUpdate(delay time.Duration) {
	deadline := time.Now().Add(delay)
	if w.pendingUpdate.IsZero() || w.pendingUpdate.Before(time.Now()) || deadline.Before(w.pendingUpdate) {
		w.pendingUpdate = deadline
	}
}

func (w *worker) run() {
	defer close(w.done)

	w.logger.Info("collection worker started", "component", "collection",
		"identifier", w.identifier, "schedule", w.schedule)
	w.noteUpdate(startupScanDelay)

	for {
		next := w.pendingUpdate
		if w.cronSchedule != nil {
			if cronNext := w.cronSchedule.Next(time.Now()); next.IsZero() || cronNext.Before(next) {
				next = cronNext
			}
		}

		var fire <-chan time.Time
		var timer *time.Timer
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			fire = timer.C
		}

		select {
		case msg := <-w.ctrl:
			if timer != nil {
				timer.Stop()
			}
			if msg.stop {
				w.logger.Info("collection worker stopped", "component", "collection",
					"identifier", w.identifier)
				return
			}
			w.noteUpdate(msg.delay)

		case <-fire:
			w.pendingUpdate = time.Time{}
			if w.runScan() {
				w.logger.Info("collection worker stopped", "component", "collection",
					"identifier", w.identifier)
				return
			}
		}
	}
}

// runScan performs one scan, polling the control channel between items.
// An update request interrupts the scan and re-schedules it; a stop
// request interrupts the scan and reports true.
func (w *worker) runScan() (stopped bool) {
	w.logger.Info("scan started", "component", "collection", "identifier", w.identifier)
	start := time.Now()

	interrupted := false
	cancelled := func() bool {
		if stopped || interrupted {
			return true
		}
		select {
		case msg := <-w.ctrl:
			if msg.stop {
				stopped = true
			} else {
				w.noteUpdate(msg.delay)
				interrupted = true
			}
		default:
		}
		return stopped || interrupted
	}

	err := w.safeUpdate(cancelled)
	elapsed := time.Since(start).Round(time.Millisecond)
	switch {
	case err != nil:
		w.logger.Error("scan failed", "component", "collection",
			"identifier", w.identifier, "elapsed", elapsed, "error", err)
	case stopped || interrupted:
		w.logger.Info("scan interrupted", "component", "collection",
			"identifier", w.identifier, "elapsed", elapsed)
	default:
		w.logger.Info("scan finished", "component", "collection",
			"identifier", w.identifier, "elapsed", elapsed)
	}
	return stopped
}

// safeUpdate confines strategy panics to the failed scan; the worker
// stays up and scans again on the next fire.
func (w *worker) safeUpdate(cancelled func() bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("scan panicked", "component", "collection",
				"identifier", w.identifier, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("scan panicked: %v", r)
		}
	}()
	return w.strategy.Update(w.db, cancelled)
}
