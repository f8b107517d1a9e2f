package store

import (
	"context"

	"github.com/nhle/mailbackup/internal/mailbox"
	"github.com/nhle/mailbackup/internal/model"
)

// TokenStore persists the last committed version of each folder.
type TokenStore interface {
	// Load returns the stored state, or nil when there is none. A state
	// missing either version token is reported as nil.
	Load(ctx context.Context, folder mailbox.Descriptor) (*model.SyncState, error)

	// Save durably records state for the folder.
	Save(ctx context.Context, folder mailbox.Descriptor, state model.SyncState) error

	// Forget drops the folder's state so the next run reconciles it in
	// full. Forgetting a folder without state is not an error.
	Forget(ctx context.Context, folder mailbox.Descriptor) error
}

// RunRecorder is implemented by stores that keep a history of runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run model.RunSummary) error
}
