package api

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultStoreCapacity bounds the generations kept by NewGenerationStore.
const DefaultStoreCapacity = 1024

// GenerationStore keeps finished generations for retrieval by id. Once full,
// saving a new generation evicts the oldest one.
type GenerationStore struct {
	mu          sync.Mutex
	capacity    int
	generations *orderedmap.OrderedMap[string, GenerateResponse]
}

func NewGenerationStore() *GenerationStore {
	return NewGenerationStoreSize(DefaultStoreCapacity)
}

// NewGenerationStoreSize returns a store holding at most capacity
// generations. capacity <= 0 means unbounded.
func NewGenerationStoreSize(capacity int) *GenerationStore {
	return &GenerationStore{
		capacity:    capacity,
		generations: orderedmap.New[string, GenerateResponse](),
	}
}

// Save records resp unless the request opted out with store=false.
func (s *GenerationStore) Save(resp GenerateResponse, store *bool) {
	if store != nil && !*store {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations.Set(resp.ID, resp)
	for s.capacity > 0 && s.generations.Len() > s.capacity {
		s.generations.Delete(s.generations.Oldest().Key)
	}
}

func (s *GenerationStore) Get(id string) (*GenerateResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.generations.Get(id)
	if !ok {
		return nil, false
	}
	return &resp, true
}

func (s *GenerationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.generations.Delete(id)
	return ok
}
