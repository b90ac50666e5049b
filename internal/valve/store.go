package valve

import "time"

// Channel is the authoritative state of one valve.
// OpenedAt is non-zero iff Open.
type Channel struct {
	ID               int
	Open             bool
	OpenedAt         time.Time
	ScheduledMinutes int
}

// Store holds every channel. Indexes are 0-based and validated by the caller.
type Store struct {
	channels [Channels]Channel
}

func newStore() *Store {
	s := &Store{}
	for i := range s.channels {
		s.channels[i].ID = i + 1
	}
	return s
}

// Get returns a copy of channel idx.
func (s *Store) Get(idx int) Channel {
	return s.channels[idx]
}

// AnyOpen reports whether at least one channel is open.
func (s *Store) AnyOpen() bool {
	return s.AnyOpenExcept(-1)
}

// AnyOpenExcept reports whether a channel other than idx is open.
func (s *Store) AnyOpenExcept(idx int) bool {
	for i := range s.channels {
		if i != idx && s.channels[i].Open {
			return true
		}
	}
	return false
}

func (s *Store) setOpen(idx int, at time.Time, minutes int) {
	c := &s.channels[idx]
	c.Open = true
	c.OpenedAt = at
	c.ScheduledMinutes = minutes
}

func (s *Store) setMinutes(idx int, minutes int) {
	s.channels[idx].ScheduledMinutes = minutes
}

func (s *Store) setClosed(idx int) {
	c := &s.channels[idx]
	c.Open = false
	c.OpenedAt = time.Time{}
	c.ScheduledMinutes = 0
}
