package ratelimit

import "time"

// Window is a sliding log allowing at most limit hits in any span of length
// size. It is not safe for concurrent use.
type Window struct {
	limit int
	size  time.Duration
	hits  []time.Time
}

func NewWindow(limit int, size time.Duration) *Window {
	return &Window{limit: limit, size: size}
}

// Allow drops hits older than size and records now if the limit is not yet
// reached. A rejected attempt is not recorded.
func (w *Window) Allow(now time.Time) bool {
	w.prune(now)
	if len(w.hits) >= w.limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

func (w *Window) prune(now time.Time) {
	keep := 0
	for _, t := range w.hits {
		if now.Sub(t) < w.size {
			w.hits[keep] = t
			keep++
		}
	}
	w.hits = w.hits[:keep]
}
