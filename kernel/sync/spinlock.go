// Package sync provides synchronization primitives for code that runs without
// a scheduler: interrupt handlers and the allocator core itself. Every lock
// here busy-waits; none of them may be held across a suspension point because
// there isn't one in this kernel yet.
package sync

import (
	"limnos/kernel/cpu"
	"sync/atomic"
)

// pauseFn issues the spin-wait hint between acquire attempts. Substituted by
// tests to avoid depending on the real PAUSE instruction.
var pauseFn = cpu.Pause

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Spinlock does not disable interrupts; a
// caller that may be preempted by an interrupt handler which also takes the
// same lock must disable interrupts itself before calling Acquire and
// restore them after Release.
//
// Spinlock is used for three distinct locks in the memory core: one global
// buddy-allocator lock, one lock per slab cache, and one global page-table
// lock. The nesting order across them is cache lock -> buddy lock ->
// page-table lock, except that kernel/mm/vmm takes the buddy lock while
// holding the page-table lock (see the comment on vmm's lock).
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		pauseFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
