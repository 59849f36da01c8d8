package ratelimit

import (
	"time"
)

// slidingWindow splits the window into equal slices and admits while the sum
// of live slices leaves room for the cost. Callers hold the key lock.
type slidingWindow struct {
	slice   time.Duration
	max     int64
	counts  []int64
	current int

	// sliceStart is the start of the active slice.
	sliceStart time.Time
}

func newSlidingWindow(cfg SlidingWindowConfig, now time.Time) *slidingWindow {
	return &slidingWindow{
		slice:      cfg.WindowSize / time.Duration(cfg.SubWindows),
		max:        cfg.MaxRequests,
		counts:     make([]int64, cfg.SubWindows),
		sliceStart: now,
	}
}

// advance moves the active slice forward by the number of slices elapsed since
// sliceStart, zeroing each slice it moves onto.
func (w *slidingWindow) advance(now time.Time) {
	elapsed := now.Sub(w.sliceStart)
	if elapsed < w.slice {
		return
	}

	n := len(w.counts)
	steps := int(elapsed / w.slice)
	if steps >= n {
		for i := range w.counts {
			w.counts[i] = 0
		}
	} else {
		for i := 1; i <= steps; i++ {
			w.counts[(w.current+i)%n] = 0
		}
	}
	w.current = (w.current + steps) % n
	w.sliceStart = w.sliceStart.Add(time.Duration(steps) * w.slice)
}

func (w *slidingWindow) sum() int64 {
	var total int64
	for _, c := range w.counts {
		total += c
	}
	return total
}

func (w *slidingWindow) canAdmit(cost int64) bool {
	return cost <= w.max-w.sum()
}

func (w *slidingWindow) add(cost int64) {
	w.counts[w.current] += cost
}
