package feed

import "sync"

// MemStorage keeps a feed in memory.  Nothing survives Close.
type MemStorage struct {
	mu      sync.Mutex
	meta    *Meta
	entries map[uint64]*Entry
}

func NewMemStorage() *MemStorage {
	return &MemStorage{entries: make(map[uint64]*Entry)}
}

func (s *MemStorage) Meta() (*Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, nil
	}
	m := *s.meta
	return &m, nil
}

func (s *MemStorage) PutMeta(m *Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.meta = &c
	return nil
}

func (s *MemStorage) Has(seq uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[seq]
	return ok, nil
}

func (s *MemStorage) Entry(seq uint64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[seq]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemStorage) PutEntry(seq uint64, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[seq] = e
	return nil
}

func (s *MemStorage) Close() error { return nil }
