package model

// SyncState is the persisted version of a remote folder: UIDVALIDITY and
// UIDNEXT as reported on selection, plus the message count when known.
// Any difference between two observations means the folder's message set
// may have changed.
type SyncState struct {
	UIDValidity string `json:"uidValidity"`
	UIDNext     string `json:"uidNext"`

	// Exists is the EXISTS count. It is optional so state written without
	// it still compares on the two UID tokens alone.
	Exists string `json:"exists,omitempty"`
}

// Complete reports whether both version tokens are present. An incomplete
// state is treated as no prior state.
func (s SyncState) Complete() bool {
	return s.UIDValidity != "" && s.UIDNext != ""
}
