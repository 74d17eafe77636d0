// Package locks implements the kernel's synchronization primitives
// (§4.7): a non-recursive spinlock that raises IRQL, a sleepable
// recursion-rejecting mutex, and a wait object used by the mutex's
// slow path. Grounded on oboskrnl/locks/spinlock.c and
// oboskrnl/locks/mutex.c.
package locks

import (
	"runtime"
	"sync"
	"sync/atomic"

	"obos/defs"
	"obos/sched"
)

// Irql mirrors the IRQL levels the original spinlock raises to.
// IrqlInvalid means "do not touch IRQL at all": passed as minIrql it
// makes AcquireExplicit leave IRQL alone, and passed to Release it
// skips restoring IRQL.
type Irql int

const (
	IrqlInvalid  Irql = -1
	IrqlPassive  Irql = 0
	IrqlDispatch Irql = 2
)

// currentIrql is process-wide rather than per-CPU, since this
// rendition runs as ordinary goroutines rather than one thread per
// physical CPU; it still gives Acquire/Release the raise-then-lower
// discipline the original depends on for suppressing preemption.
var currentIrql atomic.Int32

func getIrql() Irql { return Irql(currentIrql.Load()) }

func raiseIrql(to Irql) Irql {
	old := Irql(currentIrql.Swap(int32(to)))
	return old
}

func lowerIrql(to Irql) { currentIrql.Store(int32(to)) }

// Spinlock is a non-recursive test-and-set lock. AcquireExplicit
// raises the process-wide logical IRQL to at least minIrql before
// spinning, so that a thread holding the lock cannot be preempted by
// lower-priority work. Its irqlNoThread parameter keeps the shape of
// Core_SpinlockAcquireExplicit's signature but is not consulted: IRQL
// is handled the same way whether or not the caller is a thread.
type Spinlock struct {
	locked atomic.Bool
	owner  atomic.Int64
}

// AcquireExplicit acquires the lock, raising IRQL to minIrql first
// unless minIrql is IrqlInvalid. It returns the previous IRQL, to be
// passed back to Release.
func (l *Spinlock) AcquireExplicit(minIrql Irql, irqlNoThread bool) Irql {
	var oldIrql Irql = IrqlInvalid
	if minIrql != IrqlInvalid && getIrql() < minIrql {
		oldIrql = raiseIrql(minIrql)
	}
	for !l.locked.CompareAndSwap(false, true) {
		spinHint()
	}
	l.owner.Store(int64(sched.CurrentTid()))
	return oldIrql
}

// Acquire is AcquireExplicit(IrqlDispatch, false).
func (l *Spinlock) Acquire() Irql { return l.AcquireExplicit(IrqlDispatch, false) }

// Release drops the lock and restores oldIrql (pass IrqlInvalid to
// skip restoring IRQL, matching what AcquireExplicit returned when it
// did not raise it).
func (l *Spinlock) Release(oldIrql Irql) {
	l.owner.Store(0)
	l.locked.Store(false)
	if oldIrql != IrqlInvalid {
		lowerIrql(oldIrql)
	}
}

// Acquired reports whether the lock is currently held by anyone.
func (l *Spinlock) Acquired() bool { return l.locked.Load() }

func spinHint() {
	// the pause/yield hint the original emits via __builtin_ia32_pause;
	// runtime.Gosched lets other goroutines make progress while spinning.
	runtime.Gosched()
}

// Mutex is a sleepable lock that spins briefly before blocking on a
// WaitObject, rejects reentrant acquisition by the same thread, and
// only allows its current owner to release it.
type Mutex struct {
	sema  sync.Mutex
	owner atomic.Int64
	held  atomic.Bool
	wait  WaitObject
}

const mutexSpinIterations = 100000

// Acquire blocks until the mutex is held by the calling thread.
// Returns StatusRecursiveLock if the calling thread already holds it.
func (m *Mutex) Acquire() defs.Status {
	me := int64(sched.CurrentTid())
	if m.held.Load() && m.owner.Load() == me {
		return defs.StatusRecursiveLock
	}
	for i := 0; i < mutexSpinIterations; i++ {
		if m.sema.TryLock() {
			m.owner.Store(me)
			m.held.Store(true)
			return defs.StatusSuccess
		}
		spinHint()
	}
	m.wait.Wait()
	m.sema.Lock()
	m.owner.Store(me)
	m.held.Store(true)
	return defs.StatusSuccess
}

// TryAcquire acquires the mutex without blocking, returning
// StatusInUse if it is already held.
func (m *Mutex) TryAcquire() defs.Status {
	if m.held.Load() {
		return defs.StatusInUse
	}
	return m.Acquire()
}

// Release unlocks the mutex. Only the current owner may call it;
// anyone else gets StatusAccessDenied, mirroring Core_MutexRelease.
func (m *Mutex) Release() defs.Status {
	if !m.held.Load() {
		return defs.StatusSuccess
	}
	if m.owner.Load() != int64(sched.CurrentTid()) {
		return defs.StatusAccessDenied
	}
	m.held.Store(false)
	m.owner.Store(0)
	m.sema.Unlock()
	m.wait.Signal(false)
	return defs.StatusSuccess
}

// Acquired reports whether the mutex is currently held.
func (m *Mutex) Acquired() bool { return m.held.Load() }

// WaitObject is a blocking signal primitive used by Mutex's slow
// path: one or more goroutines Wait(), and Signal wakes either one
// (wakeOne semantics via wakeAll=false) or every waiter.
type WaitObject struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending int
}

func (w *WaitObject) init() {
	if w.cond == nil {
		w.cond = sync.NewCond(&w.mu)
	}
}

// Waiting reports how many goroutines are currently blocked in Wait.
func (w *WaitObject) Waiting() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Wait blocks the calling goroutine until Signal is called.
func (w *WaitObject) Wait() {
	w.mu.Lock()
	w.init()
	w.pending++
	w.cond.Wait()
	w.pending--
	w.mu.Unlock()
}

// Signal wakes a waiter. If wakeAll is true, every currently blocked
// waiter is woken; otherwise exactly one is.
func (w *WaitObject) Signal(wakeAll bool) {
	w.mu.Lock()
	w.init()
	if wakeAll {
		w.cond.Broadcast()
	} else {
		w.cond.Signal()
	}
	w.mu.Unlock()
}
