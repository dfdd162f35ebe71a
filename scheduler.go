package ploggy

import (
	"container/heap"
	"sync"
	"time"
)

// scheduler is the engine's single-threaded timer service: a priority
// queue of deadlines drained by one goroutine. Callbacks run on that
// goroutine, in deadline order, and must hand long work elsewhere.
type scheduler struct {
	mu       sync.Mutex
	tasks    timerHeap
	wake     chan struct{}
	stopChan chan struct{}
	done     chan struct{}
	stopped  bool
	sequence int64
}

// timerTask is a handle to one scheduled callback.
type timerTask struct {
	deadline  time.Time
	sequence  int64
	run       func()
	cancelled bool
	index     int
}

// newScheduler starts the scheduler goroutine.
func newScheduler() *scheduler {
	s := &scheduler{
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// schedule queues run to execute after delay and returns its handle.
// A nil handle is returned after the scheduler stopped.
func (s *scheduler) schedule(delay time.Duration, run func()) *timerTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.sequence++
	task := &timerTask{
		deadline: time.Now().Add(delay),
		sequence: s.sequence,
		run:      run,
	}
	heap.Push(&s.tasks, task)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return task
}

// cancel withdraws a scheduled task. Cancelling an already-fired or
// nil task is a no-op.
func (s *scheduler) cancel(task *timerTask) {
	if task == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.index >= 0 {
		task.cancelled = true
		heap.Remove(&s.tasks, task.index)
	}
}

// stop halts the scheduler. Pending tasks never fire. Must not be
// called from a scheduled callback.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopChan)
	<-s.done
}

func (s *scheduler) loop() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		now := time.Now()
		var due []*timerTask
		for len(s.tasks) > 0 {
			next := s.tasks[0]
			if next.deadline.After(now) {
				wait = next.deadline.Sub(now)
				break
			}
			heap.Pop(&s.tasks)
			if !next.cancelled {
				due = append(due, next)
			}
		}
		s.mu.Unlock()

		for _, task := range due {
			task.run()
		}
		if due != nil {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.stopChan:
			return
		}
	}
}

// timerHeap orders tasks by deadline, then submission order.
type timerHeap []*timerTask

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	task := x.(*timerTask)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}
