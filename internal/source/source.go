package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailbackup/internal/model"
)

// AuthError indicates that the server rejected the credentials.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ProtocolError wraps a non-success response to a session command. It is
// fatal for the folder being processed but not for the run.
type ProtocolError struct {
	Command string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err (or any error in its chain) is a
// ProtocolError.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}

// MessageRef is a session-scoped handle to a remote message (a UID). It is
// valid only while the folder stays selected and is never persisted.
type MessageRef uint32

// HeaderBlock is the raw header subset returned for one message by a
// batched header fetch.
type HeaderBlock struct {
	Ref MessageRef
	Raw []byte
}

// Session is the stateful mail-access session the sync engine drives. All
// calls are made sequentially by a single goroutine.
type Session interface {
	// ListFolders returns the raw LIST lines, `(<flags>) <delim> <name>`.
	ListFolders(ctx context.Context) ([]string, error)

	// Select opens the folder read-only and returns its current version.
	Select(ctx context.Context, name string) (model.SyncState, error)

	// Search returns every message reference in the selected folder.
	Search(ctx context.Context) ([]MessageRef, error)

	// FetchHeaderFields fetches the named header fields for all refs in a
	// single request. Entries the server answers incompletely are omitted.
	FetchHeaderFields(
		ctx context.Context,
		refs []MessageRef,
		fields []string,
	) ([]HeaderBlock, error)

	// FetchMessage returns the full raw content of one message.
	FetchMessage(ctx context.Context, ref MessageRef) ([]byte, error)

	// CloseFolder releases the current selection.
	CloseFolder(ctx context.Context) error
}
