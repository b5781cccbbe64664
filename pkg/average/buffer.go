package average

import (
	"math"
	"sort"
	"time"

	"github.com/gammazero/deque"
)

// sum is a compensated running sum: lo carries the rounding error of hi, so
// a difference of two sums stays accurate after a large value has passed
// through the total.
type sum struct {
	hi, lo float64
}

// twoSum returns a+b and the exact rounding error of that addition.
func twoSum(a, b float64) (s, e float64) {
	s = a + b
	bb := s - a
	e = (a - (s - bb)) + (b - bb)
	return s, e
}

func (s sum) add(v float64) sum {
	hi, e := twoSum(s.hi, v)
	hi, lo := twoSum(hi, s.lo+e)
	return sum{hi: hi, lo: lo}
}

func (s sum) sub(o sum) sum {
	hi, e := twoSum(s.hi, -o.hi)
	hi, lo := twoSum(hi, (s.lo-o.lo)+e)
	return sum{hi: hi, lo: lo}
}

func (s sum) value() float64 {
	return s.hi + s.lo
}

// entry carries the running sum of every value appended before it, so the sum
// of any contiguous slice of the buffer is a difference of two entries.
type entry struct {
	Sample
	before sum
}

// buffer is an append-ordered deque of samples with running sums.
// It is not safe for concurrent use; owners serialize access.
type buffer struct {
	q          deque.Deque[entry]
	total      sum
	evicted    int
	maxSamples int
}

// push appends a sample and reports whether it was kept. NaN and infinite
// values are dropped since they would poison every later sum. Timestamps
// earlier than the newest retained sample are clamped so the buffer stays
// sorted.
func (b *buffer) push(ts time.Time, value float64) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false
	}
	if b.q.Len() > 0 {
		if newest := b.q.Back().Timestamp; ts.Before(newest) {
			ts = newest
		}
	}

	b.q.PushBack(entry{
		Sample: Sample{Timestamp: ts, Value: value},
		before: b.total,
	})
	b.total = b.total.add(value)

	for b.maxSamples > 0 && b.q.Len() > b.maxSamples {
		b.popFront()
	}
	return true
}

// evictBefore drops every sample stamped strictly before cutoff.
func (b *buffer) evictBefore(cutoff time.Time) {
	for b.q.Len() > 0 && b.q.Front().Timestamp.Before(cutoff) {
		b.popFront()
	}
}

func (b *buffer) popFront() {
	b.q.PopFront()
	b.evicted++

	if b.q.Len() == 0 {
		b.total = sum{}
		b.evicted = 0
		return
	}

	// Rebasing costs O(len) and happens at most once per len evictions.
	if b.evicted >= b.q.Len() {
		b.rebase()
	}
}

// rebase shifts the running sums so the front entry starts at zero, keeping
// magnitudes bounded on an unbounded stream.
func (b *buffer) rebase() {
	base := b.q.Front().before
	for i := 0; i < b.q.Len(); i++ {
		e := b.q.At(i)
		e.before = e.before.sub(base)
		b.q.Set(i, e)
	}
	b.total = b.total.sub(base)
	b.evicted = 0
}

// mean averages the samples with timestamp in [lower, upper].
func (b *buffer) mean(lower, upper time.Time) (float64, error) {
	n := b.q.Len()
	first := sort.Search(n, func(i int) bool {
		return !b.q.At(i).Timestamp.Before(lower)
	})
	end := sort.Search(n, func(i int) bool {
		return b.q.At(i).Timestamp.After(upper)
	})
	if first >= end {
		return 0, ErrEmptyWindow
	}

	last := b.q.At(end - 1)
	total := last.before.add(last.Value).sub(b.q.At(first).before)
	return total.value() / float64(end-first), nil
}

func (b *buffer) stats() Stats {
	if b.q.Len() == 0 {
		return Stats{}
	}
	return Stats{
		Count:  b.q.Len(),
		Oldest: b.q.Front().Timestamp,
		Newest: b.q.Back().Timestamp,
	}
}
