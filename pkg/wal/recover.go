package wal

import (
	"context"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-storage/pkg/util"
)

type transactionState struct {
	committed     bool
	aborted       bool
	postponed     []Record
	runPostponeds int
}

// Recover replays a log against a recovery handler after a crash.
//
// Recovery consists of three passes. The analysis pass determines
// which transactions committed. The redo pass repeats history by
// redoing every record in log order, regardless of whether its
// transaction committed. Transactions that were in the middle of
// running their postponed records are completed. Finally, all records
// of transactions that neither committed nor aborted are undone in
// reverse log order.
//
// Compensate records are redone by undoing the change they compensate
// at their position in the log. The records they compensate are not
// undone again, as later transactions may have reused the space they
// released.
func Recover(ctx context.Context, records []Record, handler RecoveryHandler) error {
	// Analysis.
	transactions := map[TransactionID]*transactionState{}
	getState := func(tx TransactionID) *transactionState {
		s, ok := transactions[tx]
		if !ok {
			s = &transactionState{committed: tx == SystemTransactionID}
			transactions[tx] = s
		}
		return s
	}
	compensated := map[address.LSA]struct{}{}
	for i := range records {
		record := &records[i]
		s := getState(record.TransactionID)
		switch {
		case record.Kind == Commit:
			s.committed = true
		case record.Kind == Abort:
			s.aborted = true
		case record.Mode == Compensate:
			compensated[record.CompensatedLSA] = struct{}{}
		case record.Mode == Postpone:
			s.postponed = append(s.postponed, *record)
		case record.Mode == RunPostpone:
			s.runPostponeds++
		}
	}

	// Redo.
	for i := range records {
		record := &records[i]
		if record.Mode == Compensate {
			if err := handler.Undo(ctx, *record); err != nil {
				return util.StatusWrapf(err, "Failed to redo compensation of %s record at LSA %s", record.Kind, record.CompensatedLSA)
			}
			continue
		}
		if record.Kind == Commit || record.Kind == Abort || !record.isRedoable() {
			continue
		}
		if err := handler.Redo(ctx, *record); err != nil {
			return util.StatusWrapf(err, "Failed to redo %s record at LSA %s", record.Kind, record.LSA)
		}
	}

	// Complete transactions that crashed while running their
	// postponed records. They are treated as committed.
	for _, s := range transactions {
		if s.committed || s.aborted || s.runPostponeds == 0 {
			continue
		}
		for _, record := range s.postponed[s.runPostponeds:] {
			record.Mode = RunPostpone
			if err := handler.Redo(ctx, record); err != nil {
				return util.StatusWrapf(err, "Failed to run postponed %s record at LSA %s", record.Kind, record.LSA)
			}
		}
		s.committed = true
	}

	// Undo losers.
	for i := len(records) - 1; i >= 0; i-- {
		record := &records[i]
		if s := transactions[record.TransactionID]; s.committed || s.aborted || !record.isUndoable() {
			continue
		}
		if _, ok := compensated[record.LSA]; ok {
			continue
		}
		if err := handler.Undo(ctx, *record); err != nil {
			return util.StatusWrapf(err, "Failed to undo %s record at LSA %s", record.Kind, record.LSA)
		}
	}
	return nil
}
