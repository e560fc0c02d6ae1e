// Package klock provides the kernel spinlock: a test-and-set lock that disables interrupts for
// the critical section and restores them on release. Everything the kernel shares between
// mainline code and interrupt handlers sits behind one of these.
//
// Reentrancy is not supported. Reacquiring a lock on the CPU that holds it is a programmer error
// and deadlocks, exactly as it would on hardware.
package klock

import (
	"runtime"
	"sync/atomic"

	"github.com/vesperos/vesper/internal/hw"
)

// noOwner tags an unheld lock. LAPIC IDs start at zero, so zero cannot mean "unowned".
const noOwner = ^uint32(0)

// SpinLock is a named test-and-set lock. The owner field records the LAPIC ID of the holder and
// exists only for diagnostics; the lock word is the truth.
type SpinLock struct {
	locked uint32
	owner  uint32
	name   string
}

// New creates an unheld lock.
func New(name string) *SpinLock {
	return &SpinLock{name: name, owner: noOwner}
}

// Name returns the lock's diagnostic name.
func (l *SpinLock) Name() string {
	return l.name
}

// Acquire disables interrupts, spins until the lock is taken, and stamps the owner. It returns
// the prior interrupt state for the matching Release.
func (l *SpinLock) Acquire(cpu *hw.CPU) bool {
	was := cpu.IntrSave()

	for !atomic.CompareAndSwapUint32(&l.locked, 0, 1) {
		runtime.Gosched() // The PAUSE hint.
	}

	atomic.StoreUint32(&l.owner, uint32(cpu.LAPICID()))

	return was
}

// TryAcquire attempts the lock once. If it is contended, interrupts are re-enabled and false is
// returned.
func (l *SpinLock) TryAcquire(cpu *hw.CPU) (saved, ok bool) {
	was := cpu.IntrSave()

	if !atomic.CompareAndSwapUint32(&l.locked, 0, 1) {
		cpu.Sti()
		return false, false
	}

	atomic.StoreUint32(&l.owner, uint32(cpu.LAPICID()))

	return was, true
}

// Release clears the owner, drops the lock with release ordering, and restores the interrupt
// state saved by Acquire.
func (l *SpinLock) Release(cpu *hw.CPU, saved bool) {
	atomic.StoreUint32(&l.owner, noOwner)
	atomic.StoreUint32(&l.locked, 0)
	cpu.IntrRestore(saved)
}

// Held reports whether the lock is currently taken. Diagnostic only; the answer can be stale the
// moment it returns.
func (l *SpinLock) Held() bool {
	return atomic.LoadUint32(&l.locked) != 0
}

// Owner returns the LAPIC ID of the holder and whether the lock is held.
func (l *SpinLock) Owner() (uint32, bool) {
	o := atomic.LoadUint32(&l.owner)
	return o, o != noOwner
}
