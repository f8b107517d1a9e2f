package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailbackup/internal/mailbox"
	"github.com/nhle/mailbackup/internal/model"
	"github.com/nhle/mailbackup/internal/source"
	"github.com/nhle/mailbackup/internal/store"
)

// FolderPlan is one listed folder and what the runner will do with it.
type FolderPlan struct {
	Line       string
	Descriptor mailbox.Descriptor
	Excluded   string
	Err        error
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Root is the archive root directory.
	Root        string
	Filter      mailbox.Filter
	Policy      Policy
	OpenArchive ArchiveOpener
	Progress    ProgressFunc
	Logger      *slog.Logger
}

// Runner syncs every eligible folder of one session, sequentially.
type Runner struct {
	session  source.Session
	tokens   store.TokenStore
	engine   *Engine
	root     string
	filter   mailbox.Filter
	progress ProgressFunc
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(
	session source.Session, tokens store.TokenStore, opts RunnerOptions,
) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		session: session,
		tokens:  tokens,
		engine: NewEngine(session, tokens, EngineOptions{
			OpenArchive: opts.OpenArchive,
			Policy:      opts.Policy,
			Progress:    opts.Progress,
		}),
		root:     opts.Root,
		filter:   opts.Filter,
		progress: opts.Progress,
		logger:   logger,
	}
}

// Plan lists the session's folders and resolves each into a descriptor
// with local paths, marking parse failures and exclusions.
func (r *Runner) Plan(ctx context.Context) ([]FolderPlan, error) {
	lines, err := r.session.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	plans := make([]FolderPlan, 0, len(lines))
	// Archive path to the folder that claimed it first.
	claimed := make(map[string]string)
	for _, line := range lines {
		plan := FolderPlan{Line: line}
		d, err := mailbox.ParseListLine(line)
		if err != nil {
			plan.Err = err
			plans = append(plans, plan)
			continue
		}
		plan.Descriptor = d.ResolvePaths(r.root)
		plan.Excluded = r.filter.Exclusion(d)
		if plan.Excluded == "" {
			path := plan.Descriptor.ArchivePath
			if owner, taken := claimed[path]; taken {
				plan.Excluded = fmt.Sprintf("archive %s already used by %q", path, owner)
			} else {
				claimed[path] = d.Name
			}
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// ResetState forgets the stored state of the named folder so the next
// run reconciles it in full. It returns the folder's descriptor.
func (r *Runner) ResetState(
	ctx context.Context, name string,
) (mailbox.Descriptor, error) {
	plans, err := r.Plan(ctx)
	if err != nil {
		return mailbox.Descriptor{}, fmt.Errorf("listing folders: %w", err)
	}
	for _, plan := range plans {
		if plan.Err != nil || plan.Descriptor.Name != name {
			continue
		}
		if err := r.tokens.Forget(ctx, plan.Descriptor); err != nil {
			return plan.Descriptor, err
		}
		return plan.Descriptor, nil
	}
	return mailbox.Descriptor{}, fmt.Errorf("no folder named %q on the server", name)
}

// RunOnce syncs all eligible folders. A protocol error fails only its
// folder; any other error stops the run and is returned along with the
// partial summary.
func (r *Runner) RunOnce(ctx context.Context) (model.RunSummary, error) {
	summary := model.RunSummary{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
	}
	defer r.record(&summary)

	plans, err := r.Plan(ctx)
	if err != nil {
		summary.FinishedAt = time.Now()
		return summary, fmt.Errorf("listing folders: %w", err)
	}

	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			summary.FinishedAt = time.Now()
			return summary, err
		}

		outcome, err := r.syncPlan(ctx, plan)
		summary.Folders = append(summary.Folders, outcome)
		if err != nil {
			summary.FinishedAt = time.Now()
			return summary, err
		}
	}

	summary.FinishedAt = time.Now()
	return summary, nil
}

func (r *Runner) syncPlan(
	ctx context.Context, plan FolderPlan,
) (model.FolderOutcome, error) {
	var parseErr *mailbox.ParseError
	switch {
	case errors.As(plan.Err, &parseErr):
		r.progress.emit(Event{Kind: EventSkipped, Folder: plan.Line, Reason: plan.Err.Error()})
		return model.FolderOutcome{
			Folder: plan.Line,
			Status: model.FolderSkipped,
			Error:  plan.Err.Error(),
		}, nil
	case plan.Excluded != "":
		r.progress.emit(Event{
			Kind:   EventSkipped,
			Folder: plan.Descriptor.Name,
			Reason: plan.Excluded,
		})
		return model.FolderOutcome{
			Folder: plan.Descriptor.Name,
			Status: model.FolderSkipped,
		}, nil
	}

	res, err := r.engine.SyncFolder(ctx, plan.Descriptor)
	outcome := model.FolderOutcome{
		Folder:    plan.Descriptor.Name,
		Remote:    res.Remote,
		Added:     res.Added,
		Removed:   res.Removed,
		Confirmed: res.Confirmed,
	}

	switch {
	case err == nil && res.Unchanged:
		outcome.Status = model.FolderUnchanged
	case err == nil && res.Committed:
		outcome.Status = model.FolderSynced
	case err == nil:
		outcome.Status = model.FolderSkipped
	default:
		outcome.Status = model.FolderFailed
		outcome.Error = err.Error()
		r.progress.emit(Event{Kind: EventFailed, Folder: plan.Descriptor.Name, Err: err})
		if !source.IsProtocolError(err) {
			return outcome, fmt.Errorf("syncing %s: %w", plan.Descriptor.Name, err)
		}
	}
	return outcome, nil
}

func (r *Runner) record(summary *model.RunSummary) {
	recorder, ok := r.tokens.(store.RunRecorder)
	if !ok {
		return
	}
	// Recording must outlive a cancelled run context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := recorder.RecordRun(ctx, *summary); err != nil {
		r.logger.Warn("recording run", "run", summary.ID, "error", err)
	}
}
