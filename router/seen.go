package router

import (
	"sync"

	"github.com/google/uuid"
)

// seenSet is a bounded set of recently observed message IDs. Multicast can
// legitimately deliver duplicates, so inbound IDs are checked here before a
// message is surfaced. When full, the oldest entry is evicted.
type seenSet struct {
	mu       sync.Mutex
	capacity int
	index    map[uuid.UUID]struct{}
	order    []uuid.UUID
	head     int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &seenSet{
		capacity: capacity,
		index:    make(map[uuid.UUID]struct{}, capacity),
		order:    make([]uuid.UUID, 0, capacity),
	}
}

// Add records the ID and reports whether it was new.
func (s *seenSet) Add(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[id]; exists {
		return false
	}

	if len(s.order) < s.capacity {
		s.order = append(s.order, id)
	} else {
		evicted := s.order[s.head]
		delete(s.index, evicted)
		s.order[s.head] = id
		s.head = (s.head + 1) % s.capacity
	}
	s.index[id] = struct{}{}
	return true
}

// Len reports the number of tracked IDs.
func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}
