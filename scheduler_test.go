package ploggy

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFiresInDeadlineOrder(t *testing.T) {
	s := newScheduler()
	defer s.stop()

	var mu sync.Mutex
	var fired []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			fired = append(fired, name)
			mu.Unlock()
		}
	}

	s.schedule(60*time.Millisecond, record("late"))
	s.schedule(10*time.Millisecond, record("early"))
	s.schedule(35*time.Millisecond, record("middle"))

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"early", "middle", "late"}
	if len(fired) != len(want) {
		t.Fatalf("Expected %d callbacks, got %v", len(want), fired)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], fired[i])
		}
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := newScheduler()
	defer s.stop()

	var fired atomic.Int32
	task := s.schedule(30*time.Millisecond, func() { fired.Add(1) })
	s.cancel(task)

	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("Cancelled task fired")
	}

	// Cancelling nil and already-fired tasks is harmless.
	s.cancel(nil)
	done := s.schedule(5*time.Millisecond, func() { fired.Add(1) })
	time.Sleep(40 * time.Millisecond)
	s.cancel(done)
	if fired.Load() != 1 {
		t.Errorf("Expected exactly one firing, got %d", fired.Load())
	}
}

func TestSchedulerStopDropsPending(t *testing.T) {
	s := newScheduler()
	var fired atomic.Int32
	s.schedule(50*time.Millisecond, func() { fired.Add(1) })
	s.stop()
	time.Sleep(90 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("Pending task fired after stop")
	}
	if s.schedule(time.Millisecond, func() {}) != nil {
		t.Error("Schedule after stop should return nil")
	}
}

func TestSchedulerSameDeadlineKeepsSubmissionOrder(t *testing.T) {
	s := newScheduler()
	defer s.stop()

	var mu sync.Mutex
	var fired []int
	deadline := 20 * time.Millisecond
	for i := 0; i < 5; i++ {
		i := i
		s.schedule(deadline, func() {
			mu.Lock()
			fired = append(fired, i)
			mu.Unlock()
		})
	}
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 5 {
		t.Fatalf("Expected 5 callbacks, got %d", len(fired))
	}
	for i := range fired {
		if fired[i] != i {
			t.Fatalf("Submission order not preserved: %v", fired)
		}
	}
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := newWorkerPool(4)
	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		if !p.submit(func() {
			defer wg.Done()
			count.Add(1)
		}) {
			t.Fatal("Submit rejected on running pool")
		}
	}
	wg.Wait()
	p.stop()
	if count.Load() != 50 {
		t.Errorf("Expected 50 executions, got %d", count.Load())
	}
}

func TestWorkerPoolStopRejectsAndDrains(t *testing.T) {
	p := newWorkerPool(2)
	started := make(chan struct{})
	release := make(chan struct{})
	p.submit(func() {
		close(started)
		<-release
	})
	<-started

	done := make(chan struct{})
	go func() {
		close(release)
		p.stop()
		close(done)
	}()
	<-done

	if p.submit(func() {}) {
		t.Error("Submit after stop should be rejected")
	}
	// stop is idempotent.
	p.stop()
}
