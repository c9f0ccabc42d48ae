package address

import (
	"fmt"
)

// VolumeID identifies a volume of a database. Volumes are numbered
// from zero in the order in which they are created.
type VolumeID int16

// NullVolumeID is used in places where no volume is referenced, such
// as the next-volume link of the last volume in the chain.
const NullVolumeID VolumeID = -1

// MaximumVolumeID is the highest volume identifier that can be stored
// in a volume header.
const MaximumVolumeID VolumeID = 0x7fff

// PageID identifies a page within a volume.
type PageID int32

// NullPageID is used in places where no page is referenced.
const NullPageID PageID = -1

// VPID identifies a page within a database, by combining a volume
// identifier with a page identifier.
type VPID struct {
	Volume VolumeID
	Page   PageID
}

func (v VPID) String() string {
	return fmt.Sprintf("%d|%d", v.Volume, v.Page)
}

// LSA is a log sequence address. It identifies the position of a
// record in the write-ahead log. Log sequence addresses are totally
// ordered.
type LSA struct {
	PageID int64
	Offset int16
}

// NullLSA is the log sequence address that precedes all others.
var NullLSA = LSA{PageID: -1, Offset: -1}

// IsNull returns true if the log sequence address does not refer to a
// record.
func (l LSA) IsNull() bool {
	return l.PageID == -1
}

// Less returns true if the log sequence address precedes another one.
func (l LSA) Less(other LSA) bool {
	return l.PageID < other.PageID || (l.PageID == other.PageID && l.Offset < other.Offset)
}

func (l LSA) String() string {
	return fmt.Sprintf("%d|%d", l.PageID, l.Offset)
}
