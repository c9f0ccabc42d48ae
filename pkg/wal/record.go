package wal

import (
	"github.com/buildbarn/bb-disk-manager/pkg/address"
)

// TransactionID identifies the transaction on behalf of which a log
// record was written.
type TransactionID uint64

// SystemTransactionID is used by top-level system operations, such as
// volume creation and volume extension. These operations are never
// rolled back, even if the transaction that triggered them aborts.
const SystemTransactionID TransactionID = 0

// RecordKind determines how the payload of a record is interpreted
// by a RecoveryHandler.
type RecordKind int

const (
	// VolumeFormat is logged when a volume is created. The undo
	// image contains the path of the volume, so that it can be
	// removed. The redo image contains the volume header.
	VolumeFormat RecordKind = iota + 1
	// VolumeHeaderLink is logged when the next-volume link of a
	// volume header changes.
	VolumeHeaderLink
	// VolumeHeaderCreation is logged when the database name,
	// creation time or checkpoint of a volume header are reset.
	VolumeHeaderCreation
	// VolumeHeaderBootHeapFile is logged when the boot heap file
	// stored in a volume header changes.
	VolumeHeaderBootHeapFile
	// VolumeExtend is logged when the number of sectors of a
	// volume grows.
	VolumeExtend
	// SectorTableInit is logged when the sector table of a volume
	// is initialized with its bulk bit pattern.
	SectorTableInit
	// ReserveSectors is logged when bits of a single sector table
	// unit are set.
	ReserveSectors
	// UnreserveSectors is logged when bits of a single sector
	// table unit are cleared.
	UnreserveSectors
	// Commit marks the end of a transaction that committed.
	Commit
	// Abort marks the end of a transaction that rolled back.
	Abort
)

var recordKindNames = map[RecordKind]string{
	VolumeFormat:             "VolumeFormat",
	VolumeHeaderLink:         "VolumeHeaderLink",
	VolumeHeaderCreation:     "VolumeHeaderCreation",
	VolumeHeaderBootHeapFile: "VolumeHeaderBootHeapFile",
	VolumeExtend:             "VolumeExtend",
	SectorTableInit:          "SectorTableInit",
	ReserveSectors:           "ReserveSectors",
	UnreserveSectors:         "UnreserveSectors",
	Commit:                   "Commit",
	Abort:                    "Abort",
}

func (k RecordKind) String() string {
	if name, ok := recordKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Mode determines during which phases of recovery a record is
// applied.
type Mode int

const (
	// UndoRedo records are redone during recovery and undone if
	// their transaction did not commit.
	UndoRedo Mode = iota + 1
	// UndoOnly records carry a pre-image only.
	UndoOnly
	// RedoOnly records carry a post-image only.
	RedoOnly
	// Postpone records are applied when their transaction
	// commits, not when they are appended.
	Postpone
	// RunPostpone records are written while a postponed record is
	// applied at commit time. They are redone like RedoOnly
	// records.
	RunPostpone
	// Compensate records are written when an UndoRedo or UndoOnly
	// record is undone, either because its transaction aborted or
	// because part of the transaction was rolled back. They carry
	// the undo image of the record they compensate. Recovery redoes
	// them by undoing that change again, and never undoes them.
	Compensate
)

// Record is a single entry in the write-ahead log.
type Record struct {
	LSA           address.LSA
	TransactionID TransactionID
	Kind          RecordKind
	Mode          Mode
	Volume        address.VolumeID
	Page          address.PageID
	Offset        int32
	Undo          []byte
	Redo          []byte

	// CompensatedLSA is the address of the record that a
	// Compensate record undid. That record is not undone again.
	CompensatedLSA address.LSA
}

// NewCompensation returns the Compensate record that is logged before
// the change described by a record is undone.
func NewCompensation(record Record) Record {
	c := record.Clone()
	c.LSA = address.NullLSA
	c.Mode = Compensate
	c.Redo = nil
	c.CompensatedLSA = record.LSA
	return c
}

// Clone returns a deep copy of the record, so that the caller may
// reuse the payload buffers.
func (r *Record) Clone() Record {
	c := *r
	if r.Undo != nil {
		c.Undo = append([]byte(nil), r.Undo...)
	}
	if r.Redo != nil {
		c.Redo = append([]byte(nil), r.Redo...)
	}
	return c
}

func (r *Record) isRedoable() bool {
	return r.Mode == UndoRedo || r.Mode == RedoOnly || r.Mode == RunPostpone
}

func (r *Record) isUndoable() bool {
	return r.Mode == UndoRedo || r.Mode == UndoOnly
}
