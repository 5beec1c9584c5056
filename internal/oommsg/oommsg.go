// Package oommsg carries best-effort memory-pressure notifications from the
// OOM killer (spec.md 4.7) to anything that wants to observe kills without
// being on the allocation hot path -- a diagnostic tap, not a dependency of
// Allocator.Alloc's reclaim-then-kill decision.
package oommsg

// Oommsg_t is sent on a Killer's Notify channel each time it selects a
// victim. Need carries the killer's score-based accounting context; Resume
// is closed by the receiver once it has finished observing. The killer
// never waits on Resume: a kill proceeds whether or not anything listens.
type Oommsg_t struct {
	Need   int
	Resume chan bool
}

// Send delivers msg on ch without blocking if the channel has no ready
// receiver, mirroring the teacher's fire-and-forget OomCh.
func Send(ch chan<- Oommsg_t, msg Oommsg_t) {
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}
