package klock

import (
	"sync"
	"testing"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
)

func init() {
	log.LogLevel.Set(log.Error)
}

func TestAcquireRelease(tt *testing.T) {
	tt.Parallel()

	tt.Run("interrupt state round trip", func(t *testing.T) {
		t.Parallel()

		m := hw.New(hw.Config{RAMBytes: 8 << 20})
		l := New("test")

		m.CPU.Sti()

		saved := l.Acquire(m.CPU)

		if !saved {
			t.Errorf("acquire should report interrupts were on")
		}

		if m.CPU.IF() {
			t.Errorf("interrupts must be off inside the critical section")
		}

		if !l.Held() {
			t.Errorf("lock should be held")
		}

		if owner, held := l.Owner(); !held || owner != uint32(m.CPU.LAPICID()) {
			t.Errorf("owner want lapic id %d, got %d (held=%v)", m.CPU.LAPICID(), owner, held)
		}

		l.Release(m.CPU, saved)

		if !m.CPU.IF() {
			t.Errorf("release must restore interrupts")
		}

		if l.Held() {
			t.Errorf("lock should be free")
		}
	})

	tt.Run("nested disable stays disabled", func(t *testing.T) {
		t.Parallel()

		m := hw.New(hw.Config{RAMBytes: 8 << 20})
		l := New("test")

		m.CPU.Cli()

		saved := l.Acquire(m.CPU)

		if saved {
			t.Errorf("interrupts were already off")
		}

		l.Release(m.CPU, saved)

		if m.CPU.IF() {
			t.Errorf("release must not enable interrupts the caller had off")
		}
	})
}

func TestTryAcquire(tt *testing.T) {
	tt.Parallel()

	m := hw.New(hw.Config{RAMBytes: 8 << 20})
	l := New("test")

	m.CPU.Sti()

	saved, ok := l.TryAcquire(m.CPU)
	if !ok {
		tt.Fatalf("uncontended try should succeed")
	}

	// Contended: fails and re-enables interrupts rather than spinning.
	if _, ok := l.TryAcquire(m.CPU); ok {
		tt.Errorf("contended try should fail")
	}

	if !m.CPU.IF() {
		tt.Errorf("failed try must restore interrupts")
	}

	l.Release(m.CPU, saved)
}

func TestContention(tt *testing.T) {
	tt.Parallel()

	m := hw.New(hw.Config{RAMBytes: 8 << 20})
	l := New("test")

	var (
		wg      sync.WaitGroup
		counter int
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 1000; j++ {
				saved := l.Acquire(m.CPU)
				counter++
				l.Release(m.CPU, saved)
			}
		}()
	}

	wg.Wait()

	if counter != 8000 {
		tt.Errorf("lost updates under the lock: %d", counter)
	}
}
