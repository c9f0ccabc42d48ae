package sync

import (
	"reflect"
	"sort"
	"sync"
)

// OrderedLocker acquires a set of locks along a total order, namely
// the numerical memory address of the locks. Two threads that both
// use OrderedLocker to acquire overlapping sets of locks can therefore
// not deadlock against each other.
//
// The set of locks cannot be extended after they have been acquired.
// All locks are passed in at once and released at once, in reverse
// order.
type OrderedLocker struct {
	locks []sync.Locker
}

// NewOrderedLocker creates an OrderedLocker for a set of locks.
// Duplicate locks are only acquired once.
func NewOrderedLocker(locks ...sync.Locker) *OrderedLocker {
	sorted := make([]sync.Locker, 0, len(locks))
	seen := map[uintptr]struct{}{}
	for _, l := range locks {
		address := reflect.ValueOf(l).Pointer()
		if _, ok := seen[address]; !ok {
			seen[address] = struct{}{}
			sorted = append(sorted, l)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return reflect.ValueOf(sorted[i]).Pointer() < reflect.ValueOf(sorted[j]).Pointer()
	})
	return &OrderedLocker{locks: sorted}
}

// Lock all locks in increasing address order.
func (ol *OrderedLocker) Lock() {
	for _, l := range ol.locks {
		l.Lock()
	}
}

// Unlock all locks in decreasing address order.
func (ol *OrderedLocker) Unlock() {
	for i := len(ol.locks) - 1; i >= 0; i-- {
		ol.locks[i].Unlock()
	}
}
