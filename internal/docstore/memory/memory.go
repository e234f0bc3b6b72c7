package memory

import (
	"context"
	"slices"
	"sync"

	"bakehouse/backend/internal/docstore"
)

// Store keeps every collection in process memory. Used for development and
// tests; writes are serialized by a single lock so the conditional decrement
// is atomic.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]docstore.Document
	hub         *docstore.Hub
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]docstore.Document),
		hub:         docstore.NewHub(),
	}
}

func (s *Store) Get(_ context.Context, collection string, id string) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return docstore.Clone(doc)
}

func (s *Store) Set(_ context.Context, collection string, id string, doc docstore.Document) error {
	stored, err := docstore.Clone(doc)
	if err != nil {
		return err
	}
	if stored == nil {
		stored = docstore.Document{}
	}

	s.mu.Lock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]docstore.Document)
		s.collections[collection] = docs
	}
	docs[id] = stored
	s.mu.Unlock()

	s.hub.Notify(collection)
	return nil
}

func (s *Store) Create(_ context.Context, collection string, id string, doc docstore.Document) error {
	stored, err := docstore.Clone(doc)
	if err != nil {
		return err
	}
	if stored == nil {
		stored = docstore.Document{}
	}

	s.mu.Lock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]docstore.Document)
		s.collections[collection] = docs
	}
	if _, exists := docs[id]; exists {
		s.mu.Unlock()
		return docstore.ErrAlreadyExists
	}
	docs[id] = stored
	s.mu.Unlock()

	s.hub.Notify(collection)
	return nil
}

func (s *Store) Update(_ context.Context, collection string, id string, fields docstore.Document) error {
	s.mu.Lock()
	current, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return docstore.ErrNotFound
	}
	next, err := docstore.ApplyPatch(current, fields)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.collections[collection][id] = next
	s.mu.Unlock()

	s.hub.Notify(collection)
	return nil
}

func (s *Store) QueryWhere(_ context.Context, collection string, filter docstore.Filter) ([]docstore.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.collections[collection]))
	for id, doc := range s.collections[collection] {
		if docstore.Match(doc, filter) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	result := make([]docstore.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := docstore.Clone(s.collections[collection][id])
		if err != nil {
			return nil, err
		}
		result = append(result, doc)
	}
	return result, nil
}

func (s *Store) CountWhere(_ context.Context, collection string, filter docstore.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, doc := range s.collections[collection] {
		if docstore.Match(doc, filter) {
			count++
		}
	}
	return count, nil
}

func (s *Store) DecrementIfAtLeast(_ context.Context, collection string, id string, field string, amount int64) (int64, error) {
	s.mu.Lock()
	current, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return 0, docstore.ErrNotFound
	}
	value, numeric := docstore.ToFloat(current[field])
	if !numeric || value < float64(amount) {
		s.mu.Unlock()
		return 0, docstore.ErrConditionFailed
	}
	remaining := value - float64(amount)
	current[field] = remaining
	s.mu.Unlock()

	s.hub.Notify(collection)
	return int64(remaining), nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, filter docstore.Filter, fn docstore.Listener) (docstore.Unsubscribe, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	refresh := func() {
		docs, err := s.QueryWhere(ctx, collection, filter)
		if err != nil {
			return
		}
		fn(docs)
	}
	unsubscribe := s.hub.Subscribe(collection, refresh)
	refresh()
	return unsubscribe, nil
}
