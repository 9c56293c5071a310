// Package statestore provides the versioned backing store behind each ref.
// A container maps transaction ids to encoded value bytes and keeps only the
// most recent entries, so the three backends (coordinator znodes, in-process
// memory, Redis) stay interchangeable.
package statestore

import "errors"

var (
	ErrNotFound  = errors.New("statestore: version not found")
	ErrStaleRead = errors.New("statestore: version pruned from history")
)

// StateContainer is one ref's version chain. Versions are transaction ids
// and therefore totally ordered. SetState is idempotent per version; after
// it returns, GetState of that version observes the data. Entries older
// than the retention bound are discarded, and reading a discarded version
// fails with ErrStaleRead.
type StateContainer interface {
	Init() error
	GetState(version uint64) ([]byte, error)
	SetState(data []byte, version uint64) error
	// Versions lists retained versions in ascending order.
	Versions() ([]uint64, error)
	Destroy() error
}
