// Package record defines the versioned, checksummed unit of data that the
// sync engine replicates between the local cache and the remote prediction
// store.
//
// A Record wraps an opaque JSON payload (a prediction) with the metadata the
// sync layer needs: monotonic version, last-writer origin, content checksum,
// and a state tag describing where the record stands in its sync lifecycle.
// Fields are flat and last-write-wins friendly; timestamps drive conflict
// resolution.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Class tags where a record's current content came from.
type Class string

const (
	// ClassLocal marks a record written by this device and not yet
	// confirmed anywhere else.
	ClassLocal Class = "local"

	// ClassCloud marks a record whose content is confirmed on the remote
	// store.
	ClassCloud Class = "cloud"

	// ClassDerived marks a record synthesized from a cloud copy, e.g. the
	// winner produced by conflict resolution against a remote version.
	ClassDerived Class = "derived"
)

// State describes a record's position in the sync lifecycle. Exactly one
// state applies at a time; presence in the local store is implied.
type State int

const (
	// StatePending indicates the record has local changes queued for
	// upload to the remote store.
	StatePending State = iota

	// StateSynced indicates the remote store has confirmed the current
	// content and nothing changed since.
	StateSynced

	// StateConflicted indicates two versions of the record disagree and
	// resolution has not run yet. A conflicted record must never be
	// silently overwritten; resolution clears this state explicitly.
	StateConflicted
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSynced:
		return "synced"
	case StateConflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// Meta carries the sync metadata attached to every record.
type Meta struct {
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	// Origin identifies the device/process that last wrote the record.
	Origin string `json:"origin"`

	// Version increments on every accepted mutation. For a given id it is
	// non-decreasing across any chain of accepted writes.
	Version int64 `json:"version"`

	// Checksum is a CRC32 digest of the serialized payload, used to detect
	// accidental corruption. It is not a security mechanism.
	Checksum uint32 `json:"checksum"`

	Class Class `json:"class"`
}

// Record is the unit of synchronization: an opaque payload keyed by the
// entity's natural id (a match identifier), plus sync metadata.
type Record struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Meta    Meta            `json:"metadata"`

	// State is local bookkeeping and never crosses the wire.
	State State `json:"-"`
}

// New builds a first-version local record for the given payload. The
// checksum is computed from the payload as passed; callers own making the
// payload canonical JSON beforehand.
func New(id string, payload json.RawMessage, origin string, now time.Time) *Record {
	return &Record{
		ID:      id,
		Payload: payload,
		Meta: Meta{
			CreatedAt:  now,
			ModifiedAt: now,
			Origin:     origin,
			Version:    1,
			Checksum:   Checksum(payload),
			Class:      ClassLocal,
		},
		State: StatePending,
	}
}

// Validate checks that the record has the fields every accepted write must
// carry.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(r.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	if r.Meta.Version < 1 {
		return fmt.Errorf("version must be positive (got %d)", r.Meta.Version)
	}
	if r.Meta.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	if r.Meta.ModifiedAt.IsZero() {
		return fmt.Errorf("modified_at is required")
	}
	return nil
}

// VerifyChecksum recomputes the payload digest and compares it to the stored
// checksum. A mismatch means the local copy is corrupt and must be treated
// as a cache miss.
func (r *Record) VerifyChecksum() bool {
	return Verify(r.Payload, r.Meta.Checksum)
}

// Clone returns a deep copy. The sync engine hands records across goroutine
// and callback boundaries; clones keep callers from aliasing the payload.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Payload = make(json.RawMessage, len(r.Payload))
	copy(cp.Payload, r.Payload)
	return &cp
}
