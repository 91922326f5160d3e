package bot

import (
	"container/list"
	"sync"
)

// seenSet remembers the most recent update IDs so redelivered updates are
// handled once. The oldest ID is forgotten when capacity is reached.
type seenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[int64]*list.Element
}

func newSeenSet(capacity int) *seenSet {
	if capacity < 1 {
		capacity = 1
	}
	return &seenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[int64]*list.Element, capacity),
	}
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[id]; ok {
		s.order.MoveToFront(el)
		return false
	}
	if s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(int64))
	}
	s.index[id] = s.order.PushFront(id)
	return true
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
