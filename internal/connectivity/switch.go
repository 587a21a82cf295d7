package connectivity

import (
	"sync"

	"sendqueue/internal/constants"
)

// Observer reports whether the backend is believed reachable. The signal is
// best effort: a false online reading costs at most one failed send.
type Observer interface {
	Online() bool
	// Subscribe returns a channel receiving every online/offline transition
	// and a function that cancels the subscription.
	Subscribe() (<-chan bool, func())
}

// Switch is a settable Observer. Set publishes only real transitions, so
// repeated reports of the same state produce no events.
type Switch struct {
	mu          sync.Mutex
	online      bool
	subscribers map[int]chan bool
	nextID      int
}

func NewSwitch(initiallyOnline bool) *Switch {
	return &Switch{
		online:      initiallyOnline,
		subscribers: make(map[int]chan bool),
	}
}

func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records the current state and reports whether it changed.
func (s *Switch) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return false
	}
	s.online = online

	for _, ch := range s.subscribers {
		publish(ch, online)
	}
	return true
}

func (s *Switch) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan bool, constants.ConnectivityEventBufferSize)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
		})
	}
}

// publish delivers the latest state without blocking. A slow subscriber
// loses intermediate states but always ends up holding the newest one.
func publish(ch chan bool, online bool) {
	for {
		select {
		case ch <- online:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
