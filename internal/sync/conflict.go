package sync

import (
	"sync"

	"github.com/pitchcall/pitchcall/internal/record"
)

// ResolverFunc decides between two versions of the same record and returns
// the one to keep. Implementations may return one of the inputs or a merged
// record; the resolver takes care of advancing the version and clearing the
// conflict so the result counts as a new logical write.
type ResolverFunc func(local, other *record.Record) *record.Record

// Resolver produces a single winning version whenever two records for the
// same id disagree.
//
// The default policy is last-modified-wins: the record with the greater
// ModifiedAt is kept; on an exact tie the greater version wins; on a further
// tie the local record wins, which keeps idempotent replays stable. Callers
// may register a per-id ResolverFunc to override the default before a
// conflict occurs.
//
// Resolution is deterministic: the same two inputs always produce the same
// winner. It never fails; a conflict is always collapsed to one record.
type Resolver struct {
	mu     sync.Mutex
	custom map[string]ResolverFunc
}

// NewResolver creates a resolver with the default policy and no overrides.
func NewResolver() *Resolver {
	return &Resolver{custom: make(map[string]ResolverFunc)}
}

// Register installs fn as the resolution function for the given id,
// replacing any previous registration. A nil fn removes the override.
func (r *Resolver) Register(id string, fn ResolverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.custom, id)
		return
	}
	r.custom[id] = fn
}

// Resolve collapses two disagreeing versions into one winner.
//
// The returned record is a copy: its version is max(local, other)+1 so the
// resolution lands as a new write, its conflict state is cleared (it
// re-enters the sync lifecycle as pending), and its class records whether
// the surviving content was local or synthesized from the other side.
//
// defaulted reports whether the built-in policy decided, so the engine can
// surface default resolutions in its status counters.
func (r *Resolver) Resolve(local, other *record.Record) (winner *record.Record, defaulted bool) {
	next := local.Meta.Version
	if other.Meta.Version > next {
		next = other.Meta.Version
	}
	next++

	r.mu.Lock()
	fn := r.custom[local.ID]
	r.mu.Unlock()

	var picked *record.Record
	if fn != nil {
		picked = fn(local, other)
		if picked == nil {
			picked = local
		}
	} else {
		picked = lastModifiedWins(local, other)
		defaulted = true
	}

	winner = picked.Clone()
	winner.Meta.Version = next
	winner.State = record.StatePending
	if picked != local {
		winner.Meta.Class = record.ClassDerived
	}
	return winner, defaulted
}

// lastModifiedWins implements the default policy.
func lastModifiedWins(local, other *record.Record) *record.Record {
	switch {
	case other.Meta.ModifiedAt.After(local.Meta.ModifiedAt):
		return other
	case local.Meta.ModifiedAt.After(other.Meta.ModifiedAt):
		return local
	case other.Meta.Version > local.Meta.Version:
		return other
	default:
		return local
	}
}
