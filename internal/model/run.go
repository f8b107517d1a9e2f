package model

import "time"

// Folder outcome statuses recorded per run.
const (
	FolderSynced    = "synced"
	FolderUnchanged = "unchanged"
	FolderSkipped   = "skipped"
	FolderFailed    = "failed"
)

// FolderOutcome is the result of processing one folder within a run.
type FolderOutcome struct {
	Folder    string
	Status    string
	Remote    int
	Added     int
	Removed   int
	Confirmed int
	Error     string
}

// RunSummary describes one pass over all folders of a session.
type RunSummary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Folders    []FolderOutcome
}

// Failed returns the number of folders that ended in error.
func (r *RunSummary) Failed() int {
	n := 0
	for _, f := range r.Folders {
		if f.Status == FolderFailed {
			n++
		}
	}
	return n
}
