package supervisor

import (
	"container/heap"
	"time"
)

// timer is one scheduled callback. It runs on the supervisor loop.
type timer struct {
	at    time.Time
	seq   uint64
	fn    func()
	index int // position in the heap, -1 once fired or canceled
}

// timerQueue is a min-heap on deadline; equal deadlines fire in schedule order.
type timerQueue struct {
	items []*timer
	seq   uint64
}

func (q *timerQueue) Len() int { return len(q.items) }

func (q *timerQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.at.Equal(b.at) {
		return a.seq < b.seq
	}
	return a.at.Before(b.at)
}

func (q *timerQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(q.items)
	q.items = append(q.items, t)
}

func (q *timerQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	q.items = old[:n-1]
	return t
}

// schedule adds fn to run at at.
func (q *timerQueue) schedule(at time.Time, fn func()) *timer {
	q.seq++
	t := &timer{at: at, seq: q.seq, fn: fn}
	heap.Push(q, t)
	return t
}

// cancel removes t if it is still pending. A nil timer is ignored.
func (q *timerQueue) cancel(t *timer) {
	if t == nil || t.index < 0 || t.index >= len(q.items) || q.items[t.index] != t {
		return
	}
	heap.Remove(q, t.index)
}

// next returns the earliest deadline.
func (q *timerQueue) next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

// expired pops every timer due at or before now, in firing order.
func (q *timerQueue) expired(now time.Time) []*timer {
	var out []*timer
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		out = append(out, heap.Pop(q).(*timer))
	}
	return out
}
