package gateway

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// slidingWindow is a per-verb request-rate counter over a fixed trailing
// window. Unlike the teacher's continuously-refilling token bucket, the
// spec calls for an explicit sliding window: entries older than the
// window are dropped before every admission check (spec.md §4.2 step 1).
// The hard window bound is the sole admission authority; an x/time/rate
// limiter sized at the same average rate only smooths bursts inside an
// otherwise-open window so a caller doesn't fire `limit` requests in the
// first millisecond and idle for the rest of it.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  *list.List // front = oldest
	pacer  *rate.Limiter
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	var pacer *rate.Limiter
	if limit > 0 && window > 0 {
		pacer = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), 1)
	}
	return &slidingWindow{limit: limit, window: window, times: list.New(), pacer: pacer}
}

// evictLocked drops every entry older than now-window. Must hold mu.
func (w *slidingWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	for e := w.times.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			w.times.Remove(e)
			e = next
			continue
		}
		break
	}
}

// Wait blocks, without holding the mutex across the sleep, until the
// window has room for one more request, then records that request.
func (w *slidingWindow) Wait(ctx context.Context) error {
	if w.pacer != nil {
		if err := w.pacer.Wait(ctx); err != nil {
			return err
		}
	}

	for {
		w.mu.Lock()
		now := time.Now()
		w.evictLocked(now)

		if w.times.Len() < w.limit {
			w.times.PushBack(now)
			w.mu.Unlock()
			return nil
		}

		oldest := w.times.Front().Value.(time.Time)
		sleepFor := oldest.Add(w.window).Sub(now)
		w.mu.Unlock()

		if sleepFor <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
	}
}

// Count reports the number of requests currently inside the window.
func (w *slidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(time.Now())
	return w.times.Len()
}
