package ticket

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node demos.
type MemoryStore struct {
	mu      sync.RWMutex
	tickets map[string]Ticket
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tickets: make(map[string]Ticket)}
}

// Put inserts or replaces a ticket document.
func (s *MemoryStore) Put(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = t
}

// Delete removes a ticket document.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, id)
}

// GetByID returns the document for id or ErrNotFound.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := t
	return &copied, nil
}

// GetByIDs returns the documents present for ids, skipping unknown IDs.
func (s *MemoryStore) GetByIDs(ctx context.Context, ids []string) ([]*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Ticket, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tickets[id]; ok {
			copied := t
			out = append(out, &copied)
		}
	}
	return out, nil
}
