package sync

import (
	"sync"
)

// CheckSection coordinates consistency checks with code that mutates
// the structures being checked. Mutators enter the section as readers,
// meaning that any number of them may run concurrently. A consistency
// check enters the section exclusively.
//
// Mutators that hold page latches must never block on the section
// while a check is in progress, as the check needs to latch the same
// pages. EnterReaderReleasing() implements the protocol for that:
// attempt to enter without blocking and, if a check is in progress,
// release all page latches, wait for the check to complete and
// reacquire the latches.
type CheckSection struct {
	lock sync.RWMutex
}

// TryEnterReader attempts to enter the section as a reader without
// blocking. It returns false if a check is in progress or pending.
func (cs *CheckSection) TryEnterReader() bool {
	return cs.lock.TryRLock()
}

// EnterReader enters the section as a reader, blocking until no check
// is in progress. It may only be called when no page latches are held.
func (cs *CheckSection) EnterReader() {
	cs.lock.RLock()
}

// LeaveReader leaves the section as a reader.
func (cs *CheckSection) LeaveReader() {
	cs.lock.RUnlock()
}

// EnterExclusive enters the section exclusively, waiting for all
// readers to leave.
func (cs *CheckSection) EnterExclusive() {
	cs.lock.Lock()
}

// LeaveExclusive leaves the section after EnterExclusive().
func (cs *CheckSection) LeaveExclusive() {
	cs.lock.Unlock()
}

// EnterReaderReleasing enters the section as a reader while resources
// (typically page latches) are held. If the section cannot be entered
// immediately, release is called to drop the resources, after which
// the section is entered in blocking mode and reacquire is called.
//
// If reacquire fails, the section is left again and the error is
// returned.
func (cs *CheckSection) EnterReaderReleasing(release func(), reacquire func() error) error {
	if cs.TryEnterReader() {
		return nil
	}
	release()
	cs.EnterReader()
	if err := reacquire(); err != nil {
		cs.LeaveReader()
		return err
	}
	return nil
}
