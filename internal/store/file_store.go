package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nhle/mailbackup/internal/mailbox"
	"github.com/nhle/mailbackup/internal/model"
)

// FileStore keeps each folder's state in a small JSON file next to its
// archive (the descriptor's StatePath).
type FileStore struct{}

var _ TokenStore = FileStore{}

// NewFileStore returns a FileStore.
func NewFileStore() FileStore {
	return FileStore{}
}

// Load reads the folder's state file. A missing file, or one lacking
// either token, means no prior state.
func (FileStore) Load(
	_ context.Context, folder mailbox.Descriptor,
) (*model.SyncState, error) {
	if folder.StatePath == "" {
		return nil, fmt.Errorf("folder %q has no state path", folder.Name)
	}

	data, err := os.ReadFile(folder.StatePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state %s: %w", folder.StatePath, err)
	}

	var state model.SyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state %s: %w", folder.StatePath, err)
	}
	if !state.Complete() {
		return nil, nil
	}
	return &state, nil
}

// Save writes the state file atomically.
func (FileStore) Save(
	_ context.Context, folder mailbox.Descriptor, state model.SyncState,
) error {
	if folder.StatePath == "" {
		return fmt.Errorf("folder %q has no state path", folder.Name)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state for %s: %w", folder.Name, err)
	}
	if err := os.MkdirAll(filepath.Dir(folder.StatePath), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := writeFileAtomic(folder.StatePath, data, 0o644); err != nil {
		return fmt.Errorf("writing state %s: %w", folder.StatePath, err)
	}
	return nil
}

// Forget removes the state file.
func (FileStore) Forget(_ context.Context, folder mailbox.Descriptor) error {
	if folder.StatePath == "" {
		return fmt.Errorf("folder %q has no state path", folder.Name)
	}
	if err := os.Remove(folder.StatePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing state %s: %w", folder.StatePath, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
