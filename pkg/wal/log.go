package wal

import (
	"context"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
)

// Log is the write-ahead log into which all changes to volume headers
// and sector tables are recorded before the pages holding them are
// marked dirty.
type Log interface {
	// Append a record to the log, returning the log sequence
	// address at which it was stored. The record's LSA field is
	// ignored.
	Append(record Record) (address.LSA, error)
	// CurrentLSA returns the address of the last record appended.
	CurrentLSA() address.LSA
}

// RecoveryHandler applies log records to the objects they describe.
// Redo and Undo must be idempotent, as records may be replayed against
// pages that already contain their effects.
type RecoveryHandler interface {
	Redo(ctx context.Context, record Record) error
	Undo(ctx context.Context, record Record) error
}
