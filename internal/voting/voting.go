// Package voting implements the voting lifecycle state machine and
// presence protocol from spec §4.6: start -> presence collection ->
// cast -> tally (creator-only) -> result -> end.
package voting

import (
	"fmt"
	"sort"
	"strings"

	"roomrelay/internal/wire"
)

// Status is which half of the lifecycle a voting is in.
type Status int

const (
	StatusActive Status = iota
	StatusResults
)

// Active holds everything needed to accept casts and eventually tally.
type Active struct {
	Start            wire.VotingStartPayload
	Participants     map[string]bool   // usernames seen via PresenceResponse/Announce
	Votes            map[string][]string // username -> selected option ids, last cast wins
	RemainingSeconds *uint32           // nil if the voting has no timer
}

// State is one voting's lifecycle state — exactly one of Active or
// Results is populated, mirroring spec §3's VotingState variants.
type State struct {
	Status  Status
	Active  *Active
	Results *wire.VotingResultPayload
}

// presenceRequestID is the convention from spec §4.6: presence
// requests issued to enumerate a voting's participants are tagged
// "voting_"+voting_id.
func presenceRequestID(votingID string) string { return "voting_" + votingID }

// votingIDFromPresenceRequest reverses presenceRequestID, returning ok=false
// if requestID isn't a voting presence request.
func votingIDFromPresenceRequest(requestID string) (votingID string, ok bool) {
	const prefix = "voting_"
	if !strings.HasPrefix(requestID, prefix) {
		return "", false
	}
	return strings.TrimPrefix(requestID, prefix), true
}

// Manager tracks every voting active in one room. It is not safe for
// concurrent use by design — like roomstate.Replica, it is meant to be
// owned by the single room loop goroutine (spec §5).
type Manager struct {
	votings map[string]*State
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{votings: map[string]*State{}}
}

// Get returns a voting's current state, if known.
func (m *Manager) Get(votingID string) (*State, bool) {
	s, ok := m.votings[votingID]
	return s, ok
}

// All returns every tracked voting id, for iteration (e.g. tick/timeout sweeps).
func (m *Manager) All() map[string]*State { return m.votings }

// Start instantiates an Active voting from a received VOTING_START
// frame and returns the PresenceResponse every peer sends in reply
// (spec §4.6: "on receive, every peer instantiates Active and sends a
// PresenceResponse... this enumerates participants"). selfUser is the
// local peer's own username.
func (m *Manager) Start(payload wire.VotingStartPayload, selfUser string) wire.PresenceResponsePayload {
	a := &Active{
		Start:        payload,
		Participants: map[string]bool{},
		Votes:        map[string][]string{},
	}
	if payload.TimerSeconds != nil {
		secs := *payload.TimerSeconds
		a.RemainingSeconds = &secs
	}
	m.votings[payload.VotingID] = &State{Status: StatusActive, Active: a}

	return wire.PresenceResponsePayload{
		RequestID: presenceRequestID(payload.VotingID),
		User:      selfUser,
	}
}

// HandlePresenceResponse records a participant for the voting implied
// by requestID's "voting_"+id convention. Returns false if requestID
// doesn't name a tracked, still-active voting.
func (m *Manager) HandlePresenceResponse(payload wire.PresenceResponsePayload) bool {
	votingID, ok := votingIDFromPresenceRequest(payload.RequestID)
	if !ok {
		return false
	}
	s, ok := m.votings[votingID]
	if !ok || s.Status != StatusActive {
		return false
	}
	s.Active.Participants[payload.User] = true
	return true
}

// HandlePresenceAnnounce replaces a voting's participant list wholesale
// (spec §4.6 PresenceAnnounce: "authoritative list; replaces prior
// participants for the matching voting").
func (m *Manager) HandlePresenceAnnounce(payload wire.PresenceAnnouncePayload) bool {
	votingID, ok := votingIDFromPresenceRequest(payload.RequestID)
	if !ok {
		return false
	}
	s, ok := m.votings[votingID]
	if !ok || s.Status != StatusActive {
		return false
	}
	s.Active.Participants = map[string]bool{}
	for _, u := range payload.OnlineUsers {
		s.Active.Participants[u] = true
	}
	return true
}

// Cast applies a VOTING_CAST, idempotent per (voting_id, user) — a
// later cast by the same user replaces the prior selection (spec §4.6).
func (m *Manager) Cast(payload wire.VotingCastPayload) error {
	s, ok := m.votings[payload.VotingID]
	if !ok || s.Status != StatusActive {
		return fmt.Errorf("voting %s is not active", payload.VotingID)
	}
	a := s.Active
	switch a.Start.Type {
	case wire.VotingSingleChoice:
		if len(payload.SelectedOptionIDs) != 1 {
			return fmt.Errorf("single-choice voting %s requires exactly one selection", payload.VotingID)
		}
	case wire.VotingMultipleChoice:
		if len(payload.SelectedOptionIDs) == 0 {
			return fmt.Errorf("multiple-choice voting %s requires at least one selection", payload.VotingID)
		}
	}
	a.Participants[payload.User] = true
	a.Votes[payload.User] = append([]string(nil), payload.SelectedOptionIDs...)
	return nil
}

// Tick decrements a voting's remaining timer by one second, floored at
// zero. It is a no-op for votings with no timer or already in Results.
func (m *Manager) Tick(votingID string) {
	s, ok := m.votings[votingID]
	if !ok || s.Status != StatusActive || s.Active.RemainingSeconds == nil {
		return
	}
	if *s.Active.RemainingSeconds > 0 {
		*s.Active.RemainingSeconds--
	}
}

// ShouldTally reports whether votingID is ready for its creator to
// tally: every known participant has cast, or the timer has hit zero
// (spec §4.6 "Triggered when either..."). Only meaningful when called
// by the creator — callers must check that separately.
func (m *Manager) ShouldTally(votingID string) bool {
	s, ok := m.votings[votingID]
	if !ok || s.Status != StatusActive {
		return false
	}
	a := s.Active
	if a.RemainingSeconds != nil && *a.RemainingSeconds == 0 {
		return true
	}
	if len(a.Participants) == 0 {
		return false
	}
	for user := range a.Participants {
		if _, voted := a.Votes[user]; !voted {
			return false
		}
	}
	return true
}

// Tally computes the VotingResultPayload for votingID. Only the
// creator calls this (spec §4.6 "Only the creator performs it").
// Non-voting participants are counted as voting DefaultOptionID when
// one is configured; otherwise they simply don't contribute a count.
func (m *Manager) Tally(votingID string) (wire.VotingResultPayload, error) {
	s, ok := m.votings[votingID]
	if !ok || s.Status != StatusActive {
		return wire.VotingResultPayload{}, fmt.Errorf("voting %s is not active", votingID)
	}
	a := s.Active

	counts := map[string]uint32{}
	voters := map[string][]string{}

	users := make([]string, 0, len(a.Participants))
	for u := range a.Participants {
		users = append(users, u)
	}
	sort.Strings(users) // deterministic voter-list ordering across peers

	for _, user := range users {
		ids, voted := a.Votes[user]
		if !voted {
			if a.Start.DefaultOptionID == nil {
				continue
			}
			ids = []string{*a.Start.DefaultOptionID}
		}
		for _, id := range ids {
			counts[id]++
			voters[id] = append(voters[id], user)
		}
	}

	results := make([]wire.VotingOptionResult, 0, len(a.Start.Options))
	for _, opt := range a.Start.Options {
		r := wire.VotingOptionResult{OptionID: opt.ID, Count: counts[opt.ID]}
		if !a.Start.IsAnonymous {
			r.Voters = voters[opt.ID]
		}
		results = append(results, r)
	}

	return wire.VotingResultPayload{
		VotingID:          votingID,
		Question:          a.Start.Question,
		Options:           a.Start.Options,
		Results:           results,
		TotalParticipants: uint32(len(a.Participants)),
		TotalVoted:        uint32(len(a.Votes)),
	}, nil
}

// ApplyResult transitions a voting Active -> Results on every
// receiving peer (spec §4.6 "Receiving peers transition Active ->
// Results"). The caller is responsible for persisting the result into
// RoomState.voting_results and committing — that crosses into
// roomstate, which this package does not depend on to avoid a cycle.
func (m *Manager) ApplyResult(payload wire.VotingResultPayload) {
	m.votings[payload.VotingID] = &State{Status: StatusResults, Results: &payload}
}

// Forget drops a voting's tracked state entirely (used after VOTING_END
// once nothing else needs its Active/Results bookkeeping).
func (m *Manager) Forget(votingID string) {
	delete(m.votings, votingID)
}
