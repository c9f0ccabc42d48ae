package wal

import (
	"context"
	"sync"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// recordsPerLogPage is used to derive log sequence addresses from the
// position of a record, so that addresses look like they would in a
// paged log.
const recordsPerLogPage = 64

// InMemoryLog is a Log that keeps all records in memory. It also
// implements the parts of a transaction manager that interact with
// the log: running postponed records at commit time and undoing
// records when a transaction aborts.
//
// InMemoryLog provides no durability. It is used by tests to simulate
// crashes, and by tools that only perform system operations.
type InMemoryLog struct {
	lock      sync.Mutex
	records   []Record
	postponed map[TransactionID][]Record
	handler   RecoveryHandler
}

var _ Log = (*InMemoryLog)(nil)

// NewInMemoryLog creates an empty InMemoryLog.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{
		postponed: map[TransactionID][]Record{},
	}
}

// SetRecoveryHandler sets the handler that is invoked to apply
// postponed records and to undo aborted transactions.
func (l *InMemoryLog) SetRecoveryHandler(handler RecoveryHandler) {
	l.lock.Lock()
	l.handler = handler
	l.lock.Unlock()
}

func (l *InMemoryLog) appendLocked(record Record) address.LSA {
	n := len(l.records)
	lsa := address.LSA{
		PageID: int64(n / recordsPerLogPage),
		Offset: int16(n % recordsPerLogPage),
	}
	record = record.Clone()
	record.LSA = lsa
	l.records = append(l.records, record)
	if record.Mode == Postpone {
		l.postponed[record.TransactionID] = append(l.postponed[record.TransactionID], record)
	}
	return lsa
}

// Append a record to the log.
func (l *InMemoryLog) Append(record Record) (address.LSA, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.appendLocked(record), nil
}

// CurrentLSA returns the address of the last record appended.
func (l *InMemoryLog) CurrentLSA() address.LSA {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.records) == 0 {
		return address.NullLSA
	}
	return l.records[len(l.records)-1].LSA
}

// Records returns a copy of all records appended to the log.
func (l *InMemoryLog) Records() []Record {
	l.lock.Lock()
	defer l.lock.Unlock()
	records := make([]Record, 0, len(l.records))
	for i := range l.records {
		records = append(records, l.records[i].Clone())
	}
	return records
}

// Truncate discards all records stored at or after a given log
// sequence address. This is used to simulate crashes that occur before
// the tail of the log reached stable storage.
func (l *InMemoryLog) Truncate(lsa address.LSA) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for i := range l.records {
		if !l.records[i].LSA.Less(lsa) {
			l.records = l.records[:i]
			break
		}
	}
	l.postponed = map[TransactionID][]Record{}
	for _, record := range l.records {
		if record.Mode == Postpone {
			l.postponed[record.TransactionID] = append(l.postponed[record.TransactionID], record)
		}
	}
}

// Commit a transaction. Postponed records of the transaction are
// applied through the recovery handler, each preceded by a RunPostpone
// record, after which a Commit record is appended.
func (l *InMemoryLog) Commit(ctx context.Context, tx TransactionID) error {
	l.lock.Lock()
	postponed := l.postponed[tx]
	delete(l.postponed, tx)
	handler := l.handler
	l.lock.Unlock()

	if len(postponed) > 0 && handler == nil {
		return status.Errorf(codes.FailedPrecondition, "Transaction %d has postponed records, but no recovery handler is set", tx)
	}
	for _, record := range postponed {
		record.Mode = RunPostpone
		lsa, err := l.Append(record)
		if err != nil {
			return err
		}
		record.LSA = lsa
		if err := handler.Redo(ctx, record); err != nil {
			return util.StatusWrapf(err, "Failed to run postponed %s record at LSA %s", record.Kind, lsa)
		}
	}
	_, err := l.Append(Record{
		TransactionID: tx,
		Kind:          Commit,
		Mode:          RedoOnly,
		Volume:        address.NullVolumeID,
		Page:          address.NullPageID,
	})
	return err
}

// Abort a transaction. All undoable records of the transaction that
// have not been compensated yet are undone in reverse order, after
// which an Abort record is appended. Each change is preceded by a
// Compensate record, so that recovery neither repeats the undo after
// later transactions reused the same sectors, nor loses it. Postponed
// records are discarded.
func (l *InMemoryLog) Abort(ctx context.Context, tx TransactionID) error {
	if tx == SystemTransactionID {
		return status.Error(codes.InvalidArgument, "System operations cannot be aborted")
	}
	l.lock.Lock()
	compensated := map[address.LSA]struct{}{}
	var undo []Record
	for i := len(l.records) - 1; i >= 0; i-- {
		record := &l.records[i]
		if record.TransactionID != tx {
			continue
		}
		if record.Mode == Compensate {
			compensated[record.CompensatedLSA] = struct{}{}
		} else if _, ok := compensated[record.LSA]; !ok && record.isUndoable() {
			undo = append(undo, record.Clone())
		}
	}
	delete(l.postponed, tx)
	handler := l.handler
	l.lock.Unlock()

	if len(undo) > 0 && handler == nil {
		return status.Errorf(codes.FailedPrecondition, "Transaction %d has undoable records, but no recovery handler is set", tx)
	}
	for _, record := range undo {
		if _, err := l.Append(NewCompensation(record)); err != nil {
			return err
		}
		if err := handler.Undo(ctx, record); err != nil {
			return util.StatusWrapf(err, "Failed to undo %s record at LSA %s", record.Kind, record.LSA)
		}
	}
	_, err := l.Append(Record{
		TransactionID: tx,
		Kind:          Abort,
		Mode:          RedoOnly,
		Volume:        address.NullVolumeID,
		Page:          address.NullPageID,
	})
	return err
}
