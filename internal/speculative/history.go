package speculative

import "sync"

// history is a bounded, append-only list of finalized queries. Once full, the
// oldest query is dropped on every append.
type history struct {
	mu    sync.Mutex
	limit int
	items []string
}

func newHistory(limit int) *history {
	return &history{limit: limit, items: make([]string, 0, limit)}
}

func (h *history) append(q string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) == h.limit {
		copy(h.items, h.items[1:])
		h.items = h.items[:len(h.items)-1]
	}
	h.items = append(h.items, q)
}

// snapshot returns a copy safe to hand to collaborators.
func (h *history) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.items...)
}
