package sync

import "github.com/nhle/mailbackup/internal/model"

// DetectChange compares the folder's current tokens with the stored state.
// It reports whether the folder must be reconciled and returns the state to
// commit once reconciliation succeeds. No stored state always means changed.
// The message count takes part only when the stored state recorded one.
func DetectChange(
	current model.SyncState, stored *model.SyncState,
) (bool, model.SyncState) {
	pending := current
	if stored == nil || !stored.Complete() {
		return true, pending
	}
	if stored.UIDValidity != current.UIDValidity || stored.UIDNext != current.UIDNext {
		return true, pending
	}
	if stored.Exists != "" && stored.Exists != current.Exists {
		return true, pending
	}
	return false, pending
}
