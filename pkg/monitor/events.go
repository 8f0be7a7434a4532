package monitor

import "sync"

// eventStore keeps the latest event of each name. It is written from the
// libvirt event loop goroutine and read from callers.
type eventStore struct {
	mu     sync.Mutex
	events map[string]Event
}

func newEventStore() *eventStore {
	return &eventStore{events: make(map[string]Event)}
}

func (s *eventStore) put(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.Name] = ev
}

func (s *eventStore) get(name string) (*Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[name]
	if !ok {
		return nil, false
	}
	return &ev, true
}

func (s *eventStore) clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, name)
}
