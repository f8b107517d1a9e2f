package sync

import (
	"log/slog"

	"github.com/nhle/mailbackup/internal/source"
)

// EventKind identifies a reconciliation phase or per-item step.
type EventKind int

const (
	EventFolderStart EventKind = iota
	EventUnchanged
	EventListed
	EventResolved
	EventConfirmed
	EventFetched
	EventRemoved
	EventCommitted
	EventFailed
	EventSkipped
)

var eventNames = map[EventKind]string{
	EventFolderStart: "folder_start",
	EventUnchanged:   "unchanged",
	EventListed:      "listed",
	EventResolved:    "resolved",
	EventConfirmed:   "confirmed",
	EventFetched:     "fetched",
	EventRemoved:     "removed",
	EventCommitted:   "committed",
	EventFailed:      "failed",
	EventSkipped:     "skipped",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event reports progress. Fields not meaningful for a kind are zero.
type Event struct {
	Kind     EventKind
	Folder   string
	Ref      source.MessageRef
	Identity string
	Key      int
	Count    int
	Reason   string
	Err      error
	Result   *FolderResult
}

// ProgressFunc receives events synchronously from the goroutine running the
// sync; it must not block for long.
type ProgressFunc func(Event)

// LogProgress renders events to logger. Per-message events are logged at
// debug level.
func LogProgress(logger *slog.Logger) ProgressFunc {
	return func(ev Event) {
		switch ev.Kind {
		case EventFolderStart:
			logger.Info("syncing folder", "folder", ev.Folder)
		case EventUnchanged:
			logger.Info("folder unchanged", "folder", ev.Folder)
		case EventListed:
			logger.Info("listed remote messages", "folder", ev.Folder, "count", ev.Count)
		case EventResolved:
			logger.Debug("resolved identities", "folder", ev.Folder, "count", ev.Count)
		case EventConfirmed:
			logger.Debug("message present", "folder", ev.Folder, "uid", ev.Ref, "message_id", ev.Identity)
		case EventFetched:
			logger.Debug("message fetched", "folder", ev.Folder, "uid", ev.Ref, "message_id", ev.Identity)
		case EventRemoved:
			logger.Debug("record removed", "folder", ev.Folder, "key", ev.Key)
		case EventCommitted:
			attrs := []any{"folder", ev.Folder}
			if r := ev.Result; r != nil {
				attrs = append(attrs, "added", r.Added, "removed", r.Removed, "confirmed", r.Confirmed)
			}
			logger.Info("folder synced", attrs...)
		case EventFailed:
			logger.Error("folder failed", "folder", ev.Folder, "error", ev.Err)
		case EventSkipped:
			logger.Warn("folder skipped", "folder", ev.Folder, "reason", ev.Reason)
		}
	}
}

func (f ProgressFunc) emit(ev Event) {
	if f != nil {
		f(ev)
	}
}
