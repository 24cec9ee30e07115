// Package presence is the thin fan-out glue around the two
// high-frequency, state-mutating event kinds a room carries: chat
// messages, which go through the State Replica and get persisted, and
// cursor (mouse) events, which are ephemeral and only throttled, never
// stored (spec §2 "Presence" row, §4.9 cursor throttle).
package presence

import (
	"time"

	"roomrelay/internal/roomstate"
	"roomrelay/internal/rtime"
	"roomrelay/internal/wire"
)

// DefaultCursorThrottle is the minimum spacing between outbound
// MOUSE_EVENT sends for one local cursor (spec §4.9, "default 10ms").
const DefaultCursorThrottle = 10 * time.Millisecond

// CursorGate is a non-preemptive throttle: Allow returns true at most
// once per window, independent of how many times it's called inside
// that window (spec §4.9 "non-preemptive flag gate; one send per
// window"). It is not safe for concurrent use — like roomstate and
// voting, it is meant to be owned by the single room loop goroutine.
type CursorGate struct {
	ticker rtime.Ticker
	open   bool
}

// NewCursorGate starts a gate that opens once per window, ticked by
// clock so tests can drive it without a real sleep.
func NewCursorGate(clock rtime.Clock, window time.Duration) *CursorGate {
	return &CursorGate{ticker: clock.NewTicker(window), open: true}
}

// Poll drains any pending ticks, opening the gate if at least one
// fired since the last Poll. Callers should Poll on every loop
// iteration before checking Allow.
func (g *CursorGate) Poll() {
	for {
		select {
		case <-g.ticker.C():
			g.open = true
		default:
			return
		}
	}
}

// Allow reports whether a cursor event may be sent right now, closing
// the gate until the next window tick if so.
func (g *CursorGate) Allow() bool {
	if !g.open {
		return false
	}
	g.open = false
	return true
}

// Stop releases the underlying ticker.
func (g *CursorGate) Stop() { g.ticker.Stop() }

// Chat turns a locally-typed message into the roomstate event and the
// wire frame to broadcast, keeping the two in lockstep the way the
// spec requires — every CHAT_MESSAGE sent is also applied locally
// before it goes out (spec §4.1 "local edits apply immediately").
func Chat(sender, body string) (roomstate.ChatEvent, wire.ChatMessagePayload) {
	ev := roomstate.ChatEvent{Sender: sender, Body: body}
	payload := wire.ChatMessagePayload{Username: sender, Payload: body}
	return ev, payload
}

// Mouse builds the wire payload for a local cursor move/click. Cursor
// events never touch roomstate — they are presentation-only and are
// not part of the hash chain (spec §3: RoomState tracks chat_history
// and voting_results only).
func Mouse(userID string, x, y int32, kind wire.MouseEventType) wire.MouseEventPayload {
	return wire.MouseEventPayload{X: x, Y: y, MouseEventType: kind, UserID: userID}
}
