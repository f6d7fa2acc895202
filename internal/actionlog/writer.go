package actionlog

import (
	"context"
	"log/slog"
	"time"

	"pidline/internal/db"
	"pidline/internal/domain"
	"pidline/internal/metrics"
)

// Recorder appends action log entries. Implementations never fail the
// operation being recorded.
type Recorder interface {
	Record(ctx context.Context, e domain.ActionLogEntry)
}

// Store persists one entry.
type Store interface {
	InsertAction(ctx context.Context, e domain.ActionLogEntry) (int64, error)
}

// Writer records entries into a Store. Write failures are logged and
// counted, then dropped.
type Writer struct {
	Store   Store
	Now     func() time.Time
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (w Writer) Record(ctx context.Context, e domain.ActionLogEntry) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.TS == "" {
		e.TS = db.FormatTime(w.Now())
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	if e.StateBefore == "" {
		e.StateBefore = domain.StateNone
	}
	if e.StateAfter == "" {
		e.StateAfter = e.StateBefore
	}
	if _, err := w.Store.InsertAction(ctx, e); err != nil {
		w.Metrics.IncAuditFailure()
		log := w.Log
		if log == nil {
			log = slog.Default()
		}
		log.Error("action log write failed", "record_id", e.RecordID, "action", e.Action, "error", err)
	}
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, domain.ActionLogEntry) {}
