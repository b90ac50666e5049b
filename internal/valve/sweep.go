package valve

import "time"

// Sweep enforces the safety ceiling and scheduled durations. The host loop
// calls it on a fixed cadence, so shutoff latency is bounded by that cadence.
//
// A channel past the safety ceiling is closed with an AlertSafetyTimeout alert,
// even when its scheduled duration has also elapsed. A channel past its
// scheduled duration is closed without an alert. Each channel gets at most one
// queued close; a queued command or close-all close for a channel past the
// ceiling is promoted to a safety close so the alert is still raised.
func (s *Supervisor) Sweep(now time.Time) []Event {
	for idx := 0; idx < Channels; idx++ {
		c := s.store.Get(idx)
		if !c.Open {
			continue
		}
		elapsed := now.Sub(c.OpenedAt)
		overCeiling := elapsed > s.cfg.SafetyCeiling
		if q := s.queuedClose(idx); q != nil {
			if overCeiling {
				q.reason = ReasonSafetyTimeout
			}
			continue
		}
		switch {
		case overCeiling:
			s.enqueue(transition{op: opClose, idx: idx, reason: ReasonSafetyTimeout}, now)
		case c.ScheduledMinutes > 0 && elapsed/time.Minute >= time.Duration(c.ScheduledMinutes):
			s.enqueue(transition{op: opClose, idx: idx, reason: ReasonScheduled}, now)
		}
	}

	var events []Event
	if s.pumpFault {
		events = append(events, s.syncPump(now)...)
	}
	return append(events, s.Advance(now)...)
}

func (s *Supervisor) queuedClose(idx int) *transition {
	for i := range s.queue {
		if s.queue[i].op == opClose && s.queue[i].idx == idx {
			return &s.queue[i]
		}
	}
	return nil
}
