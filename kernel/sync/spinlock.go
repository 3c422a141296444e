// Package sync provides synchronization primitive implementations for
// spinlocks.
package sync

import (
	"galaxyos/kernel/cpu"
	"sync/atomic"
)

var (
	// yieldFn is invoked by a spinning task after a failed attempt to
	// acquire the lock. There is no scheduler yet so the kernel spins; tests
	// substitute runtime.Gosched.
	yieldFn func()

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	interruptsEnabledFn = cpu.InterruptsEnabled
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock is a Spinlock that also disables hardware interrupts for the
// duration of the critical section. It must be used for any state that may be
// touched from an interrupt handler; a handler that tries to acquire a plain
// Spinlock held by the code it interrupted would spin forever.
type IRQSpinlock struct {
	lock Spinlock

	// restoreInterrupts is set if interrupts were enabled when the lock
	// was acquired.
	restoreInterrupts bool
}

// Acquire disables interrupts and then acquires the lock.
func (l *IRQSpinlock) Acquire() {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	l.lock.Acquire()
	l.restoreInterrupts = enabled
}

// Release releases the lock and re-enables interrupts if they were enabled
// when Acquire was called.
func (l *IRQSpinlock) Release() {
	restore := l.restoreInterrupts
	l.restoreInterrupts = false
	l.lock.Release()
	if restore {
		enableInterruptsFn()
	}
}
