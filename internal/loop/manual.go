package loop

import (
	"container/heap"
	"sync"
	"time"
)

// Manual is a Loop driven by virtual time. Nothing runs until the owner calls
// RunPending or Advance, which makes scheduling deterministic in tests.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	queue timerHeap
}

// NewManual returns a Manual loop whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Loop.Now.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Post implements Loop.Post.
func (m *Manual) Post(fn func()) {
	m.After(0, fn)
}

// After implements Loop.After.
func (m *Manual) After(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, due: m.now.Add(d), seq: m.seq, fn: fn, index: -1}
	heap.Push(&m.queue, t)
	return t
}

// Pending returns the number of scheduled callbacks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// RunPending runs every callback that is due at the current time, including
// callbacks they schedule with a zero delay.
func (m *Manual) RunPending() {
	m.runUntil(m.Now())
}

// Advance moves the clock forward by d, running callbacks in due order. The
// clock is set to each callback's due time before it runs.
func (m *Manual) Advance(d time.Duration) {
	m.runUntil(m.Now().Add(d))
}

func (m *Manual) runUntil(deadline time.Time) {
	for {
		m.mu.Lock()
		if m.queue.Len() == 0 || m.queue[0].due.After(deadline) {
			if m.now.Before(deadline) {
				m.now = deadline
			}
			m.mu.Unlock()
			return
		}
		t := heap.Pop(&m.queue).(*manualTimer)
		if t.due.After(m.now) {
			m.now = t.due
		}
		t.fired = true
		m.mu.Unlock()

		t.fn()
	}
}

type manualTimer struct {
	owner *Manual
	due   time.Time
	seq   uint64
	fn    func()
	index int
	fired bool
}

func (t *manualTimer) Stop() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fired || t.index < 0 {
		return false
	}
	heap.Remove(&m.queue, t.index)
	return true
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
