package locks

import (
	"runtime"
	"sync"
	"testing"

	"obos/defs"
	"obos/sched"
)

func TestSpinlockMutualExclusion(t *testing.T) {
	var l Spinlock
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.SetCurrent(&sched.Note{Tid: sched.NewTid(), Alive: true})
			defer sched.ClearCurrent()
			oldIrql := l.Acquire()
			counter++
			l.Release(oldIrql)
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestMutexRejectsRecursiveAcquire(t *testing.T) {
	sched.SetCurrent(&sched.Note{Tid: sched.NewTid(), Alive: true})
	defer sched.ClearCurrent()

	var m Mutex
	if status := m.Acquire(); defs.IsError(status) {
		t.Fatalf("first Acquire: %s", status)
	}
	if status := m.Acquire(); status != defs.StatusRecursiveLock {
		t.Fatalf("recursive Acquire = %s, want RecursiveLock", status)
	}
}

func TestMutexReleaseRequiresOwner(t *testing.T) {
	var m Mutex

	sched.SetCurrent(&sched.Note{Tid: sched.NewTid(), Alive: true})
	if status := m.Acquire(); defs.IsError(status) {
		t.Fatalf("Acquire: %s", status)
	}
	sched.ClearCurrent()

	done := make(chan defs.Status)
	go func() {
		sched.SetCurrent(&sched.Note{Tid: sched.NewTid(), Alive: true})
		defer sched.ClearCurrent()
		done <- m.Release()
	}()
	if status := <-done; status != defs.StatusAccessDenied {
		t.Fatalf("Release by non-owner = %s, want AccessDenied", status)
	}
}

func TestWaitObjectSignalWakesWaiter(t *testing.T) {
	var w WaitObject
	woke := make(chan struct{})
	go func() {
		w.Wait()
		close(woke)
	}()
	for w.Waiting() == 0 {
		runtime.Gosched()
	}
	w.Signal(true)
	<-woke
}
