package app

import "sync"

// sessionSlot holds the single live session per activation. The reserved
// flag closes the gap between deciding to connect and the dial completing,
// so two racing Connect calls cannot both open sockets.
type sessionSlot struct {
	mu       sync.Mutex
	sess     BridgeSession
	id       string
	reserved bool
}

// reserve claims the slot for an in-flight dial. It fails while the slot is
// occupied or another dial is already in flight.
func (s *sessionSlot) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil || s.reserved {
		return false
	}
	s.reserved = true
	return true
}

// set installs the dialled session and releases the reservation.
func (s *sessionSlot) set(sess BridgeSession, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
	s.id = id
	s.reserved = false
}

// clear releases a reservation after a failed dial.
func (s *sessionSlot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = false
}

// take empties the slot and returns what it held.
func (s *sessionSlot) take() (BridgeSession, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, id := s.sess, s.id
	s.sess = nil
	s.id = ""
	return sess, id
}

// get returns the live session, if any.
func (s *sessionSlot) get() (BridgeSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, s.sess != nil
}

// current returns the live session and its activation id without emptying
// the slot.
func (s *sessionSlot) current() (BridgeSession, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, s.id
}
