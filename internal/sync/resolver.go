package sync

import (
	"context"

	"github.com/nhle/mailbackup/internal/source"
)

// Resolution pairs a remote reference with its canonical identity. An
// empty Identity means the message carries none.
type Resolution struct {
	Ref      source.MessageRef
	Identity string
}

// ResolveIdentities fetches the identity header of every ref with a single
// batched request. Entries whose header block cannot be read are dropped.
// An empty refs slice returns without touching the session.
func ResolveIdentities(
	ctx context.Context, session source.Session, refs []source.MessageRef,
) ([]Resolution, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	blocks, err := session.FetchHeaderFields(ctx, refs, []string{IdentityHeader})
	if err != nil {
		return nil, err
	}

	out := make([]Resolution, 0, len(blocks))
	for _, block := range blocks {
		identity, err := IdentityFromHeader(block.Raw)
		if err != nil {
			continue
		}
		out = append(out, Resolution{Ref: block.Ref, Identity: identity})
	}
	return out, nil
}
