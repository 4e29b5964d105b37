package flood

import "time"

// window is a fixed-size ring of time buckets counting arrivals.
// Each slot remembers the absolute bucket index it holds, so stale slots are
// recognized and reset lazily; nothing needs a background sweeper.
type window struct {
	width  time.Duration
	counts []int
	index  []int64
}

func newWindow(span time.Duration, buckets int) *window {
	width := span / time.Duration(buckets)
	if width <= 0 {
		width = time.Nanosecond
	}
	return &window{
		width:  width,
		counts: make([]int, buckets),
		index:  make([]int64, buckets),
	}
}

func (w *window) bucket(at time.Time) int64 {
	return at.UnixNano() / int64(w.width)
}

// add counts one arrival at the given time. Arrivals older than the oldest
// bucket still held by the ring are ignored.
func (w *window) add(at time.Time) {
	b := w.bucket(at)
	slot := int(b % int64(len(w.counts)))
	switch {
	case w.index[slot] == b:
		w.counts[slot]++
	case w.index[slot] < b:
		w.index[slot] = b
		w.counts[slot] = 1
	}
}

// count returns the arrivals inside the window ending at now.
func (w *window) count(now time.Time) int {
	cur := w.bucket(now)
	oldest := cur - int64(len(w.counts)) + 1
	total := 0
	for i, b := range w.index {
		if b >= oldest && b <= cur {
			total += w.counts[i]
		}
	}
	return total
}
