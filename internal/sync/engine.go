package sync

import (
	"context"
	"fmt"

	"github.com/nhle/mailbackup/internal/archive"
	"github.com/nhle/mailbackup/internal/mailbox"
	"github.com/nhle/mailbackup/internal/model"
	"github.com/nhle/mailbackup/internal/source"
	"github.com/nhle/mailbackup/internal/store"
)

// Archive is the local message store a folder is reconciled into. Keys are
// assigned by the store.
type Archive interface {
	Add(raw []byte) (int, error)
	Remove(key int) error
	Each(fn func(key int, raw []byte) error) error
	Flush() error
	Close() error
}

// ArchiveOpener opens the archive at path for exclusive use.
type ArchiveOpener func(path string) (Archive, error)

// OpenMbox opens an mbox archive.
func OpenMbox(path string) (Archive, error) {
	m, err := archive.OpenMbox(path)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// EmptyFolderPolicy decides what an empty remote folder does to its archive.
type EmptyFolderPolicy string

const (
	// Purge removes every local record, the remote being authoritative.
	Purge EmptyFolderPolicy = model.EmptyFolderPurge

	// Keep leaves the archive alone and does not commit the new tokens.
	Keep EmptyFolderPolicy = model.EmptyFolderKeep
)

// Policy holds the engine's configurable decisions.
type Policy struct {
	Duplicates  CollisionPolicy
	EmptyFolder EmptyFolderPolicy
}

// PolicyFromConfig maps configuration values onto a Policy.
func PolicyFromConfig(cfg model.SyncConfig) Policy {
	return Policy{
		Duplicates:  CollisionPolicy(cfg.Duplicates),
		EmptyFolder: EmptyFolderPolicy(cfg.EmptyFolder),
	}
}

// FolderResult summarizes one folder reconciliation.
type FolderResult struct {
	Folder          string
	Unchanged       bool
	Committed       bool
	Remote          int
	Resolved        int
	Confirmed       int
	Added           int
	Removed         int
	MissingIdentity int
	State           model.SyncState
}

// EngineOptions configures an Engine. Zero values select the mbox archive
// and the default policies.
type EngineOptions struct {
	OpenArchive ArchiveOpener
	Policy      Policy
	Progress    ProgressFunc
}

// Engine reconciles one folder at a time over a shared session.
type Engine struct {
	session     source.Session
	tokens      store.TokenStore
	openArchive ArchiveOpener
	policy      Policy
	progress    ProgressFunc
}

// NewEngine creates an Engine.
func NewEngine(
	session source.Session, tokens store.TokenStore, opts EngineOptions,
) *Engine {
	if opts.OpenArchive == nil {
		opts.OpenArchive = OpenMbox
	}
	if opts.Policy.Duplicates == "" {
		opts.Policy.Duplicates = KeepLast
	}
	if opts.Policy.EmptyFolder == "" {
		opts.Policy.EmptyFolder = Purge
	}
	return &Engine{
		session:     session,
		tokens:      tokens,
		openArchive: opts.OpenArchive,
		policy:      opts.Policy,
		progress:    opts.Progress,
	}
}

// SyncFolder makes the folder's archive hold exactly one record per
// identity present remotely, then commits the folder's tokens. Nothing is
// fetched when the stored tokens still match. On error, records already
// added stay in the archive and the tokens are left untouched.
func (e *Engine) SyncFolder(
	ctx context.Context, folder mailbox.Descriptor,
) (res FolderResult, err error) {
	res.Folder = folder.Name
	e.progress.emit(Event{Kind: EventFolderStart, Folder: folder.Name})

	current, err := e.session.Select(ctx, folder.Name)
	if err != nil {
		return res, err
	}
	defer func() {
		if closeErr := e.session.CloseFolder(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	stored, err := e.tokens.Load(ctx, folder)
	if err != nil {
		return res, fmt.Errorf("loading state for %s: %w", folder.Name, err)
	}

	changed, pending := DetectChange(current, stored)
	res.State = pending
	if !changed {
		res.Unchanged = true
		e.progress.emit(Event{Kind: EventUnchanged, Folder: folder.Name, Result: &res})
		return res, nil
	}

	refs, err := e.session.Search(ctx)
	if err != nil {
		return res, err
	}
	res.Remote = len(refs)
	e.progress.emit(Event{Kind: EventListed, Folder: folder.Name, Count: len(refs)})

	if len(refs) == 0 && e.policy.EmptyFolder == Keep {
		e.progress.emit(Event{
			Kind:   EventSkipped,
			Folder: folder.Name,
			Reason: "remote folder is empty",
		})
		return res, nil
	}

	arch, err := e.openArchive(folder.ArchivePath)
	if err != nil {
		return res, fmt.Errorf("opening archive for %s: %w", folder.Name, err)
	}
	defer func() {
		if closeErr := arch.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing archive for %s: %w", folder.Name, closeErr)
		}
	}()

	if err := e.reconcile(ctx, folder, arch, refs, &res); err != nil {
		return res, err
	}

	if err := arch.Flush(); err != nil {
		return res, fmt.Errorf("flushing archive for %s: %w", folder.Name, err)
	}
	if err := e.tokens.Save(ctx, folder, pending); err != nil {
		return res, fmt.Errorf("saving state for %s: %w", folder.Name, err)
	}
	res.Committed = true
	e.progress.emit(Event{Kind: EventCommitted, Folder: folder.Name, Result: &res})

	return res, nil
}

func (e *Engine) reconcile(
	ctx context.Context,
	folder mailbox.Descriptor,
	arch Archive,
	refs []source.MessageRef,
	res *FolderResult,
) error {
	index, err := BuildIndex(arch, e.policy.Duplicates)
	if err != nil {
		return fmt.Errorf("%s: %w", folder.Name, err)
	}

	resolved, err := ResolveIdentities(ctx, e.session, refs)
	if err != nil {
		return err
	}
	res.Resolved = len(resolved)
	e.progress.emit(Event{Kind: EventResolved, Folder: folder.Name, Count: len(resolved)})

	for _, r := range resolved {
		// A message without identity never matches a local record and is
		// fetched on every changed pass. The copy from the previous pass is
		// removed as unidentified.
		if r.Identity == "" {
			res.MissingIdentity++
			if _, err := e.fetchAndAdd(ctx, folder, arch, r); err != nil {
				return err
			}
			res.Added++
			continue
		}

		if index.Confirm(r.Identity) {
			res.Confirmed++
			e.progress.emit(Event{
				Kind:     EventConfirmed,
				Folder:   folder.Name,
				Ref:      r.Ref,
				Identity: r.Identity,
			})
			continue
		}

		key, err := e.fetchAndAdd(ctx, folder, arch, r)
		if err != nil {
			return err
		}
		index.Insert(r.Identity, key)
		res.Added++
	}

	for _, key := range index.Removals() {
		if err := arch.Remove(key); err != nil {
			return fmt.Errorf("removing record %d from %s: %w", key, folder.Name, err)
		}
		res.Removed++
		e.progress.emit(Event{Kind: EventRemoved, Folder: folder.Name, Key: key})
	}

	return nil
}

func (e *Engine) fetchAndAdd(
	ctx context.Context, folder mailbox.Descriptor, arch Archive, r Resolution,
) (int, error) {
	raw, err := e.session.FetchMessage(ctx, r.Ref)
	if err != nil {
		return 0, err
	}
	key, err := arch.Add(raw)
	if err != nil {
		return 0, fmt.Errorf("adding message %d to %s: %w", r.Ref, folder.Name, err)
	}
	e.progress.emit(Event{
		Kind:     EventFetched,
		Folder:   folder.Name,
		Ref:      r.Ref,
		Identity: r.Identity,
		Key:      key,
	})
	return key, nil
}
