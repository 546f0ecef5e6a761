package agent

import (
	"sync"

	"github.com/agauci/orpheum/pkg/portal"
)

// inflightSet tracks the request IDs currently being executed so that a
// request polled on successive cycles is dispatched at most once.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

// MergeNew marks the requests not already in flight and returns them. The
// remainder is dropped in place.
func (s *inflightSet) MergeNew(requests []portal.AuthorisationRequest) []portal.AuthorisationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := requests[:0]
	for _, request := range requests {
		id := request.ID()
		if _, exists := s.ids[id]; exists {
			continue
		}
		s.ids[id] = struct{}{}
		fresh = append(fresh, request)
	}
	return fresh
}

// Complete clears a request from the in-flight view once its outcome has
// been delivered.
func (s *inflightSet) Complete(request portal.AuthorisationRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, request.ID())
}

// Size returns the number of requests currently in flight.
func (s *inflightSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
