// Package storage persists identity snapshots. Every backend stores the same
// two documents: one for genders and one for nicknames.
package storage

import (
	"context"
	"errors"

	"namecard/pkg/identity"
)

// ErrNotFound means no snapshot has ever been written to the backend.
var ErrNotFound = errors.New("storage: no snapshot")

const (
	GendersDoc   = "genders"
	NicknamesDoc = "nicknames"
)

// Store is a snapshot backend.
type Store interface {
	identity.Saver
	Load(ctx context.Context) (identity.Snapshot, error)
	// Location describes where snapshots live, for status output.
	Location() string
	Close() error
}
