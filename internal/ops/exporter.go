package ops

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	cronlib "github.com/robfig/cron/v3"
)

// Exporter writes a minute-level JSONL snapshot of the ledger to disk,
// grounded on the teacher's internal/audit package's JSONL append sink.
// The cadence itself uses github.com/robfig/cron/v3 directly (a plain
// "@every 1m" spec) rather than internal/cron.Scheduler, since that
// scheduler's shape is for firing user-defined schedules out of
// persistence, not a fixed internal export cadence.
type Exporter struct {
	ops    *Ops
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	cr  *cronlib.Cron
	eid cronlib.EntryID
}

// NewExporter constructs an Exporter writing to path.
func NewExporter(o *Ops, path string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{ops: o, path: path, logger: logger}
}

// Start schedules the minute snapshot export. spec defaults to "@every 1m";
// callers may pass a different standard cron expression.
func (e *Exporter) Start(spec string) error {
	if spec == "" {
		spec = "@every 1m"
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cr = cronlib.New()
	id, err := e.cr.AddFunc(spec, e.export)
	if err != nil {
		return err
	}
	e.eid = id
	e.cr.Start()
	return nil
}

// Stop halts the export cadence.
func (e *Exporter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cr != nil {
		ctx := e.cr.Stop()
		<-ctx.Done()
		e.cr = nil
	}
}

func (e *Exporter) export() {
	snap := e.ops.Snapshot()
	b, err := json.Marshal(snap)
	if err != nil {
		e.logger.Error("ops: failed to marshal snapshot", "error", err)
		return
	}

	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		e.logger.Error("ops: failed to open snapshot file", "path", e.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(b, '\n')); err != nil {
		e.logger.Error("ops: failed to write snapshot", "error", err)
	}
}
