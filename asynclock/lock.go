// Package asynclock implements the asymmetric (shared/exclusive) lock
// every node.Node embeds. It is a thin wrapper over sync.RWMutex that adds
// a stable identity, so sets of locks can be sorted into a total order and
// acquired hand-over-hand without risking deadlock.
package asynclock

import (
	"sync"
	"sync/atomic"
)

var nextID uint64

// Lock is an asymmetric shared/exclusive lock with a stable identity.
type Lock struct {
	id uint64
	mu sync.RWMutex
}

// New returns a Lock with a fresh, process-unique identity.
func New() *Lock {
	return &Lock{id: atomic.AddUint64(&nextID, 1)}
}

// ID returns the lock's stable identity, used to order AcquireAll/ReleaseAll.
func (l *Lock) ID() uint64 { return l.id }

// Acquire takes the shared (read) lock.
func (l *Lock) Acquire() { l.mu.RLock() }

// Release releases the shared (read) lock.
func (l *Lock) Release() { l.mu.RUnlock() }

// TryAcquire attempts the shared lock without blocking.
func (l *Lock) TryAcquire() bool { return l.mu.TryRLock() }

// AcquireExclusive takes the exclusive (write) lock.
func (l *Lock) AcquireExclusive() { l.mu.Lock() }

// ReleaseExclusive releases the exclusive (write) lock.
func (l *Lock) ReleaseExclusive() { l.mu.Unlock() }

// TryAcquireExclusive attempts the exclusive lock without blocking.
func (l *Lock) TryAcquireExclusive() bool { return l.mu.TryLock() }

// AcquireAll takes the exclusive lock on every member of locks, in
// ascending ID order, giving a deadlock-free total order regardless of
// the order callers discovered the locks in. Duplicate locks (same ID
// appearing twice, e.g. a node reachable via two edges) are acquired once.
func AcquireAll(locks []*Lock) []*Lock {
	ordered := dedupeSortedByID(locks)
	for _, l := range ordered {
		l.AcquireExclusive()
	}
	return ordered
}

// ReleaseAll releases a set previously returned by AcquireAll, in reverse
// order.
func ReleaseAll(ordered []*Lock) {
	for i := len(ordered) - 1; i >= 0; i-- {
		ordered[i].ReleaseExclusive()
	}
}

func dedupeSortedByID(locks []*Lock) []*Lock {
	seen := make(map[uint64]bool, len(locks))
	out := make([]*Lock, 0, len(locks))
	for _, l := range locks {
		if l == nil || seen[l.id] {
			continue
		}
		seen[l.id] = true
		out = append(out, l)
	}
	// insertion sort: these sets are small (a node's immediate downstream)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].id > out[j].id; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
