package docstore

import "sync"

// Hub fans change notifications out to subscribers of a collection. Stores
// call Notify after a write has been committed and their locks released.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func()
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]func())}
}

func (h *Hub) Subscribe(collection string, refresh func()) Unsubscribe {
	h.mu.Lock()
	h.next++
	id := h.next
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[int]func())
	}
	h.subs[collection][id] = refresh
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[collection], id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Notify(collection string) {
	h.mu.Lock()
	refreshers := make([]func(), 0, len(h.subs[collection]))
	for _, fn := range h.subs[collection] {
		refreshers = append(refreshers, fn)
	}
	h.mu.Unlock()

	for _, fn := range refreshers {
		fn()
	}
}
