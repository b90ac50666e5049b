package valve

import (
	"fmt"
	"math"
	"time"
)

// MaxMinutes is the longest schedule whose duration fits in a time.Duration.
const MaxMinutes = int(math.MaxInt64 / int64(time.Minute))

type opKind int

const (
	opOpen opKind = iota
	opClose
)

// transition is a queued physical transition. due is fixed once the entry
// reaches the head of the queue.
type transition struct {
	op      opKind
	idx     int
	minutes int
	stagger bool
	reason  Reason
	batch   uint64
	due     time.Time
	armed   bool
}

// Supervisor is the single writer of the channel store and the pump output.
// Every transition goes through a FIFO queue: while an entry waits for its
// stagger or close delay, later requests queue behind it, so transitions
// complete in request order. Not safe for concurrent use; the host loop owns it.
type Supervisor struct {
	cfg    Config
	store  *Store
	driver Driver

	queue     []transition
	headSince time.Time
	batch     uint64
	lastBatch uint64

	valveFault [Channels]bool
	pumpFault  bool
	pumpDriven bool
}

// NewSupervisor creates a supervisor with every channel closed.
func NewSupervisor(cfg Config, driver Driver) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		store:  newStore(),
		driver: driver,
	}
}

func index(id int) (int, error) {
	if id < 1 || id > Channels {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, id)
	}
	return id - 1, nil
}

// Open opens channel id for minutes (0 = until closed or the safety ceiling).
// An already open channel keeps its OpenedAt and only takes the new minutes.
// With allowStagger, a closed channel is energized Stagger after the previous
// transition when another channel is open; the returned events are then empty
// and the transition is reported by a later Advance.
func (s *Supervisor) Open(id, minutes int, allowStagger bool, now time.Time) ([]Event, error) {
	idx, err := index(id)
	if err != nil {
		return nil, err
	}
	if minutes < 0 || minutes > MaxMinutes {
		return nil, fmt.Errorf("%w: %d minutes", ErrInvalidDuration, minutes)
	}
	s.enqueue(transition{op: opOpen, idx: idx, minutes: minutes, stagger: allowStagger, reason: ReasonCommand}, now)
	return s.Advance(now), nil
}

// Close closes channel id. Closing a closed channel is a no-op.
func (s *Supervisor) Close(id int, now time.Time) ([]Event, error) {
	idx, err := index(id)
	if err != nil {
		return nil, err
	}
	s.enqueue(transition{op: opClose, idx: idx, reason: ReasonCommand}, now)
	return s.Advance(now), nil
}

// CloseAll closes every open channel in ascending id order, CloseDelay apart.
// Channels that are already closed cost neither a transition nor a delay.
func (s *Supervisor) CloseAll(now time.Time) []Event {
	s.batch++
	for idx := 0; idx < Channels; idx++ {
		s.enqueue(transition{op: opClose, idx: idx, reason: ReasonCloseAll, batch: s.batch}, now)
	}
	return s.Advance(now)
}

// Halt drops every queued transition and de-energizes all outputs at once.
// Used when the process is about to release the outputs. A valve whose write
// fails stays logically open and is reported with an OUTPUT_FAULT alert.
func (s *Supervisor) Halt(now time.Time) []Event {
	s.queue = nil
	var events []Event
	for idx := 0; idx < Channels; idx++ {
		if !s.store.Get(idx).Open {
			continue
		}
		if err := s.driver.SetValve(idx, false); err != nil {
			events = append(events, s.alert(now, idx+1, AlertOutputFault, fmt.Sprintf("halt valve %d: %v", idx+1, err)))
			continue
		}
		s.store.setClosed(idx)
		events = append(events, s.stateEvent(now, idx, ReasonHalt))
	}
	events = append(events, s.drivePump(now, false)...)
	for i := range events {
		if events[i].Type == EventStateChange {
			events[i].Pump = StateOff
		}
	}
	return events
}

// IsOpen reports whether channel id is open. Invalid ids are never open.
func (s *Supervisor) IsOpen(id int) bool {
	idx, err := index(id)
	if err != nil {
		return false
	}
	return s.store.Get(idx).Open
}

// RunningMinutes returns whole minutes since channel id opened, 0 if closed.
func (s *Supervisor) RunningMinutes(id int, now time.Time) int {
	idx, err := index(id)
	if err != nil {
		return 0
	}
	return runningMinutes(s.store.Get(idx), now)
}

func runningMinutes(c Channel, now time.Time) int {
	if !c.Open {
		return 0
	}
	return int(now.Sub(c.OpenedAt) / time.Minute)
}

// PumpOn reports the derived pump state.
func (s *Supervisor) PumpOn() bool {
	return s.store.AnyOpen()
}

// Pending returns the number of queued transitions.
func (s *Supervisor) Pending() int {
	return len(s.queue)
}

// NextDue returns when the head of the queue becomes due.
func (s *Supervisor) NextDue() (time.Time, bool) {
	if len(s.queue) == 0 || !s.queue[0].armed {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

// Snapshot returns a view of every channel at now.
func (s *Supervisor) Snapshot(now time.Time) Snapshot {
	var snap Snapshot
	for idx := 0; idx < Channels; idx++ {
		c := s.store.Get(idx)
		snap.Channels[idx] = ChannelView{
			ID:               c.ID,
			Open:             c.Open,
			OpenedAt:         c.OpenedAt,
			RunningMinutes:   runningMinutes(c, now),
			ScheduledMinutes: c.ScheduledMinutes,
		}
	}
	snap.Pump = s.store.AnyOpen()
	snap.Pending = len(s.queue)
	return snap
}

func (s *Supervisor) enqueue(t transition, now time.Time) {
	if len(s.queue) == 0 {
		s.headSince = now
	}
	s.queue = append(s.queue, t)
}

// Advance executes every queued transition that is due at now.
func (s *Supervisor) Advance(now time.Time) []Event {
	var events []Event
	for len(s.queue) > 0 {
		t := &s.queue[0]
		if !s.changes(t) {
			if t.op == opOpen {
				s.store.setMinutes(t.idx, t.minutes)
			}
			s.pop()
			continue
		}
		if !t.armed {
			t.due = s.headSince.Add(s.delayFor(t))
			t.armed = true
		}
		if now.Before(t.due) {
			break
		}
		events = append(events, s.apply(*t, now)...)
		s.pop()
		s.headSince = now
	}
	return events
}

func (s *Supervisor) pop() {
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
}

func (s *Supervisor) changes(t *transition) bool {
	open := s.store.Get(t.idx).Open
	if t.op == opOpen {
		return !open
	}
	return open
}

func (s *Supervisor) delayFor(t *transition) time.Duration {
	switch {
	case t.op == opOpen && t.stagger && s.store.AnyOpenExcept(t.idx):
		return s.cfg.Stagger
	case t.op == opClose && t.batch != 0 && t.batch == s.lastBatch:
		return s.cfg.CloseDelay
	}
	return 0
}

func (s *Supervisor) apply(t transition, now time.Time) []Event {
	id := t.idx + 1
	on := t.op == opOpen
	if err := s.driver.SetValve(t.idx, on); err != nil {
		if s.valveFault[t.idx] {
			return nil
		}
		s.valveFault[t.idx] = true
		return []Event{s.alert(now, id, AlertOutputFault, fmt.Sprintf("valve %d %s (%s): %v", id, stateOf(on), t.reason, err))}
	}
	s.valveFault[t.idx] = false
	if on {
		s.store.setOpen(t.idx, now, t.minutes)
	} else {
		s.store.setClosed(t.idx)
	}
	s.lastBatch = t.batch

	pumpEvents := s.syncPump(now)
	events := []Event{s.stateEvent(now, t.idx, t.reason)}
	events = append(events, pumpEvents...)
	if t.reason == ReasonSafetyTimeout {
		events = append(events, s.alert(now, id, AlertSafetyTimeout,
			fmt.Sprintf("valve %d exceeded safety ceiling of %v", id, s.cfg.SafetyCeiling)))
	}
	return events
}

// syncPump drives the pump from the store: on iff any channel is open.
// The output is written only when the derived value differs from the last
// driven one, or while a pump fault is outstanding.
func (s *Supervisor) syncPump(now time.Time) []Event {
	on := s.store.AnyOpen()
	if on == s.pumpDriven && !s.pumpFault {
		return nil
	}
	return s.drivePump(now, on)
}

func (s *Supervisor) drivePump(now time.Time, on bool) []Event {
	if err := s.driver.SetPump(on); err != nil {
		if s.pumpFault {
			return nil
		}
		s.pumpFault = true
		return []Event{s.alert(now, 0, AlertOutputFault, fmt.Sprintf("pump %s: %v", stateOf(on), err))}
	}
	s.pumpFault = false
	s.pumpDriven = on
	return nil
}

func (s *Supervisor) stateEvent(now time.Time, idx int, reason Reason) Event {
	c := s.store.Get(idx)
	return Event{
		Timestamp: now,
		Type:      EventStateChange,
		Channel:   c.ID,
		State:     stateOf(c.Open),
		Reason:    reason,
		Pump:      stateOf(s.store.AnyOpen()),
	}
}

func (s *Supervisor) alert(now time.Time, id int, kind AlertKind, msg string) Event {
	return Event{
		Timestamp: now,
		Type:      EventAlert,
		Channel:   id,
		Alert:     kind,
		Message:   msg,
	}
}
