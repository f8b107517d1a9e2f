package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nhle/mailbackup/internal/model"
	"github.com/nhle/mailbackup/internal/source"
)

func TestPollerRunsImmediatelyAndOnTrigger(t *testing.T) {
	cycles := make(chan struct{}, 10)
	p := NewPoller(func(context.Context) (model.RunSummary, error) {
		cycles <- struct{}{}
		return model.RunSummary{ID: "ok"}, nil
	}, time.Hour)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	waitCycle(t, cycles)
	p.Trigger()
	waitCycle(t, cycles)

	p.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	st := p.Status()
	if st.Cycles != 2 || st.State != PollIdle || st.LastSuccess.IsZero() {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.LastSummary == nil || st.LastSummary.ID != "ok" {
		t.Fatalf("last summary not kept: %+v", st.LastSummary)
	}
}

func TestPollerRecordsErrors(t *testing.T) {
	authErr := &source.AuthError{Username: "me", Message: "bad password"}
	p := NewPoller(func(context.Context) (model.RunSummary, error) {
		return model.RunSummary{}, authErr
	}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	msg := p.WaitForResult()()
	result, ok := msg.(CycleResultMsg)
	if !ok {
		t.Fatalf("unexpected message %T", msg)
	}
	if !result.AuthError || !errors.Is(result.Error, authErr) {
		t.Fatalf("unexpected result: %+v", result)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if st := p.Status(); st.State != PollError || st.Error == nil {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestPollerFailedFoldersMarkError(t *testing.T) {
	p := NewPoller(func(context.Context) (model.RunSummary, error) {
		return model.RunSummary{Folders: []model.FolderOutcome{{Folder: "x", Status: model.FolderFailed}}}, nil
	}, 0)
	if p.Interval() != defaultInterval {
		t.Fatalf("Interval = %v, want default", p.Interval())
	}

	p.runCycle(context.Background())
	if st := p.Status(); st.State != PollError || !st.LastSuccess.IsZero() {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func waitCycle(t *testing.T, cycles <-chan struct{}) {
	t.Helper()
	select {
	case <-cycles:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a cycle")
	}
}
