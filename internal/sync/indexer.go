package sync

import (
	"fmt"
	"sort"

	"github.com/nhle/mailbackup/internal/model"
)

// CollisionPolicy decides which local record represents an identity held
// by more than one record.
type CollisionPolicy string

const (
	// KeepLast indexes the last record scanned; earlier ones are shadowed.
	KeepLast CollisionPolicy = model.DuplicatesKeepLast

	// KeepFirst indexes the first record scanned; later ones are shadowed.
	KeepFirst CollisionPolicy = model.DuplicatesKeepFirst
)

type indexEntry struct {
	key       int
	confirmed bool
}

// LocalIndex maps message identities to archive keys and tracks which of
// them were confirmed present remotely during the current pass.
type LocalIndex struct {
	entries      map[string]*indexEntry
	shadowed     []int
	unidentified []int
}

// BuildIndex scans the archive once. Records whose header cannot be read
// or carries no identity are collected as unidentified; records losing a
// collision under policy are collected as shadowed. Both are removal
// candidates since they can never be confirmed.
func BuildIndex(a Archive, policy CollisionPolicy) (*LocalIndex, error) {
	if policy != KeepFirst {
		policy = KeepLast
	}

	idx := &LocalIndex{entries: make(map[string]*indexEntry)}
	err := a.Each(func(key int, raw []byte) error {
		identity, err := IdentityFromHeader(raw)
		if err != nil || identity == "" {
			idx.unidentified = append(idx.unidentified, key)
			return nil
		}

		prev, exists := idx.entries[identity]
		switch {
		case !exists:
			idx.entries[identity] = &indexEntry{key: key}
		case policy == KeepFirst:
			idx.shadowed = append(idx.shadowed, key)
		default:
			idx.shadowed = append(idx.shadowed, prev.key)
			prev.key = key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("indexing archive: %w", err)
	}
	return idx, nil
}

// Len returns the number of indexed identities.
func (x *LocalIndex) Len() int {
	return len(x.entries)
}

// Lookup returns the key indexed for identity.
func (x *LocalIndex) Lookup(identity string) (int, bool) {
	e, ok := x.entries[identity]
	if !ok {
		return 0, false
	}
	return e.key, true
}

// Confirm marks identity as present remotely. It reports false when the
// identity is not indexed.
func (x *LocalIndex) Confirm(identity string) bool {
	e, ok := x.entries[identity]
	if !ok {
		return false
	}
	e.confirmed = true
	return true
}

// Insert indexes a freshly added record as confirmed.
func (x *LocalIndex) Insert(identity string, key int) {
	x.entries[identity] = &indexEntry{key: key, confirmed: true}
}

// Shadowed returns the keys of records that lost an identity collision.
func (x *LocalIndex) Shadowed() []int {
	return append([]int(nil), x.shadowed...)
}

// Unidentified returns the keys of records without a usable identity.
func (x *LocalIndex) Unidentified() []int {
	return append([]int(nil), x.unidentified...)
}

// Removals returns, in ascending key order, every record that must leave
// the archive: unconfirmed entries plus shadowed and unidentified records.
func (x *LocalIndex) Removals() []int {
	keys := make([]int, 0, len(x.shadowed)+len(x.unidentified))
	for _, e := range x.entries {
		if !e.confirmed {
			keys = append(keys, e.key)
		}
	}
	keys = append(keys, x.shadowed...)
	keys = append(keys, x.unidentified...)
	sort.Ints(keys)
	return keys
}
