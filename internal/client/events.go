package client

import "time"

// Event is delivered to registered listeners as sync progress changes.
type Event struct {
	Type      string
	Status    Status
	Timestamp time.Time
	Details   map[string]any
}

// Listener receives sync events. Listeners run on the sync service's
// goroutines and should return quickly.
type Listener func(Event)

// AddListener registers a listener and returns its removal function.
func (s *SyncService) AddListener(listener Listener) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextListenerID++
	id := s.nextListenerID
	s.listeners[id] = listener
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *SyncService) emit(event Event) {
	s.listenerMu.Lock()
	copies := make([]Listener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		copies = append(copies, listener)
	}
	s.listenerMu.Unlock()
	for _, listener := range copies {
		listener(event)
	}
}
