package aliases

import (
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
)

// This file contains aliases for some of the interfaces provided by the
// write-ahead log package. These aliases are used to rename them to
// prevent naming collisions with other interface types for which we
// want to generate mocks.

// WALLog is an alias of wal.Log.
type WALLog = wal.Log

// WALRecoveryHandler is an alias of wal.RecoveryHandler.
type WALRecoveryHandler = wal.RecoveryHandler
