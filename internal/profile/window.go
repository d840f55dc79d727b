package profile

import "time"

type windowEvent struct {
	at    time.Time
	value float64
}

// slidingWindow accumulates events over a trailing duration. Old events are
// pruned lazily on every add and read, so no timer is needed per identity.
type slidingWindow struct {
	span   time.Duration
	events []windowEvent
	total  float64
}

func newSlidingWindow(span time.Duration) *slidingWindow {
	return &slidingWindow{span: span}
}

func (w *slidingWindow) add(value float64, at time.Time) {
	w.events = append(w.events, windowEvent{at: at, value: value})
	w.total += value
	w.prune(at)
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.events) && w.events[drop].at.Before(cutoff) {
		w.total -= w.events[drop].value
		drop++
	}
	if drop > 0 {
		w.events = w.events[drop:]
	}
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.events)
}

func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	return w.total
}
