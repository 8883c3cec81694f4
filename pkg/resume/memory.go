package resume

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	resumes map[string]Resume
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resumes: make(map[string]Resume),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, req *CreateRequest) (*Resume, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	res := Resume{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	req.apply(&res)

	s.mu.Lock()
	s.resumes[res.ID] = res
	s.mu.Unlock()

	return &res, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Resume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.resumes[id]
	if !ok {
		return nil, ErrNotFound{ID: id}
	}
	return &res, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, req *CreateRequest) (*Resume, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resumes[id]
	if !ok {
		return nil, ErrNotFound{ID: id}
	}
	req.apply(&res)
	res.UpdatedAt = s.now()
	s.resumes[id] = res

	return &res, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resumes[id]; !ok {
		return ErrNotFound{ID: id}
	}
	delete(s.resumes, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
