// Package resolver implements the Conflict Resolver (spec §4.5): the
// component a raised syncengine.Conflict is handed to. It covers the
// three documented options —
//
//	A. relocate   — split brain with no other announces: HandleConflict
//	                returns ActionRelocate with a fresh room id
//	B. force-sync  — fork (or unsynced-local) with a single candidate
//	                 hash: ActionForceSyncFrom; several distinct hashes,
//	                 for a fork or a split brain: ActionStartVoting
//	C. discard     — never returned by HandleConflict; when the operator
//	                 picks it, ApplyDiscard and TallyDiscardRound drive the
//	                 reset and the re-sync from announce collection
//
// Resolver does not talk to the network or disk itself — it returns an
// Action describing what the caller (the room loop) must do, the same
// "decide here, act there" split syncengine uses between classification
// and I/O.
package resolver

import (
	"sort"

	"roomrelay/internal/roomstate"
	"roomrelay/internal/syncengine"
)

// ActionKind is what the room loop must do in response to a resolved conflict.
type ActionKind int

const (
	// ActionNone means no action is needed (conflict was informational only).
	ActionNone ActionKind = iota
	// ActionRelocate means persist the local room under newRoomID and
	// have this peer rejoin there (Option A).
	ActionRelocate
	// ActionStartVoting means the conflict needs a room-wide voting
	// (Option B). HandleConflict returns it for a fork whose announces
	// do not agree on exactly one candidate hash, and for a split brain
	// with at least two distinct hashes; VotingOptions lists those hashes.
	ActionStartVoting
	// ActionForceSyncFrom means skip voting and directly request a
	// snapshot from winnerUsername — used when SelectDonor already
	// identified a single higher-version peer for a Fork (Option B,
	// fast path).
	ActionForceSyncFrom
	// ActionDiscard means reset local state to Default(), delete the
	// persisted entry, and enter the announce/snapshot collection dance
	// (Option C).
	ActionDiscard
)

// Action is what HandleConflict decided.
type Action struct {
	Kind            ActionKind
	NewRoomID       string // ActionRelocate
	VotingOptions   []VoteOption
	WinnerUsername  string // ActionForceSyncFrom
}

// VoteOption is one candidate (state hash / donor) offered in a
// force-sync voting ballot (Option B, "vote among the conflicting hashes").
type VoteOption struct {
	ID       string // the state hash itself, used as the voting option id
	Username string // a peer reporting that hash, to request a snapshot from on win
	Version  uint64
}

// PresenceSample is one peer seen during announce/snapshot collection —
// used to decide whether a majority exists (Option C step 2).
type PresenceSample struct {
	Username string
}

// HandleConflict decides how to resolve c, given the announces
// collected during the window the caller ran after raising it
// (announces is empty for conflicts resolved immediately, e.g. a Fork
// with only one other announce). roomID is the current room id, used
// to derive a fresh id on relocate.
func HandleConflict(c syncengine.Conflict, announces []syncengine.Announce, roomID string) Action {
	switch c.Kind {
	case syncengine.ConflictFork:
		return resolveFork(c, announces)
	case syncengine.ConflictSplitBrain:
		return resolveSplitBrain(announces, roomID)
	case syncengine.ConflictUnsyncedLocal:
		// Unsynced local edits racing a remote fast-forward: treat the
		// same as a fork — vote on hashes rather than silently dropping
		// local work (spec §4.4 "never discard local edits silently").
		return resolveFork(c, announces)
	default:
		return Action{Kind: ActionNone}
	}
}

// resolveFork handles Fork: if every announce at or above the remote
// version reports the same hash, force-sync directly from the first
// peer reporting it; otherwise (several distinct hashes, or no announce
// at that version) fall back to a hash vote so no peer's state is
// preferred without consensus.
func resolveFork(c syncengine.Conflict, announces []syncengine.Announce) Action {
	if len(announces) == 0 {
		return Action{Kind: ActionNone}
	}

	byHash := map[string]VoteOption{}
	for _, a := range announces {
		if a.Version < c.RemoteVersion {
			continue
		}
		if _, ok := byHash[a.StateHash]; !ok {
			byHash[a.StateHash] = VoteOption{ID: a.StateHash, Username: a.Username, Version: a.Version}
		}
	}

	if len(byHash) == 1 {
		for _, opt := range byHash {
			return Action{Kind: ActionForceSyncFrom, WinnerUsername: opt.Username}
		}
	}

	return Action{Kind: ActionStartVoting, VotingOptions: sortedOptions(byHash)}
}

// resolveSplitBrain handles SplitBrain per Option A/B: with at least
// two distinct hash reports and more than one peer total, vote; with
// only this peer present (no other announces arrived within the
// window), nobody to vote with — relocate instead.
func resolveSplitBrain(announces []syncengine.Announce, roomID string) Action {
	if len(announces) == 0 {
		return Action{Kind: ActionRelocate, NewRoomID: roomID + "-" + shortSuffix(roomID)}
	}

	byHash := map[string]VoteOption{}
	for _, a := range announces {
		if _, ok := byHash[a.StateHash]; !ok {
			byHash[a.StateHash] = VoteOption{ID: a.StateHash, Username: a.Username, Version: a.Version}
		}
	}
	if len(byHash) <= 1 {
		return Action{Kind: ActionNone}
	}

	return Action{Kind: ActionStartVoting, VotingOptions: sortedOptions(byHash)}
}

func sortedOptions(byHash map[string]VoteOption) []VoteOption {
	out := make([]VoteOption, 0, len(byHash))
	for _, opt := range byHash {
		out = append(out, opt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// shortSuffix derives a short, deterministic-looking suffix from
// roomID so relocate targets don't collide; callers that want real
// randomness should replace this with a generated id — kept
// deterministic here so tests can assert on it.
func shortSuffix(roomID string) string {
	if len(roomID) >= 6 {
		return roomID[:6]
	}
	return "relocated"
}

// Majority reports whether winnerCount peers out of totalPeers forms a
// strict majority, i.e. more than half (spec §4.5 "discard with majority").
func Majority(winnerCount, totalPeers int) bool {
	if totalPeers == 0 {
		return false
	}
	return winnerCount*2 > totalPeers
}

// DiscardOutcome is what happens after an Option C announce-collection
// window closes.
type DiscardOutcome int

const (
	// OutcomeNoMajority means no single state commanded a majority of
	// responding peers; the caller must fall back to a hash-selection
	// voting among the reported candidates (same shape as a fork vote).
	OutcomeNoMajority DiscardOutcome = iota
	// OutcomeMajority means one state did: the caller should request a
	// snapshot from MajorityDonor directly (no voting needed).
	OutcomeMajority
)

// DiscardResult is the outcome of tallying a discard round's collected announces.
type DiscardResult struct {
	Outcome        DiscardOutcome
	MajorityDonor  string
	VotingOptions  []VoteOption
}

// TallyDiscardRound implements Option C step 2-3: after broadcasting a
// snapshot request and collecting announces/replies from every
// responding peer, decide whether one state has a strict majority.
// totalPeers is the number of peers expected to respond (room
// membership minus self), used to compute the majority threshold even
// when some peers never answer.
func TallyDiscardRound(announces []syncengine.Announce, totalPeers int) DiscardResult {
	byHash := map[string][]syncengine.Announce{}
	for _, a := range announces {
		byHash[a.StateHash] = append(byHash[a.StateHash], a)
	}

	var bestHash string
	var bestCount int
	for h, as := range byHash {
		if len(as) > bestCount {
			bestCount = len(as)
			bestHash = h
		}
	}

	if bestCount > 0 && Majority(bestCount, totalPeers) {
		donor := byHash[bestHash][0].Username
		return DiscardResult{Outcome: OutcomeMajority, MajorityDonor: donor}
	}

	opts := map[string]VoteOption{}
	for h, as := range byHash {
		opts[h] = VoteOption{ID: h, Username: as[0].Username, Version: as[0].Version}
	}
	return DiscardResult{Outcome: OutcomeNoMajority, VotingOptions: sortedOptions(opts)}
}

// ApplyDiscard resets replica and reports the fresh (version-0) state
// the caller must persist in place of the old one (spec §4.5 Option C
// step 1: "every peer discards its local state to Default").
func ApplyDiscard(replica *roomstate.Replica) roomstate.State {
	replica.Reset()
	return replica.Snapshot()
}
