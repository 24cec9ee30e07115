// Package roomstate owns the replicated document every peer in a room
// keeps a copy of: chat history, voting results, and a hash-chained
// version log.
//
// Big idea:
//
//  1. Hash chain
//     Every commit's hash depends on the previous hash, so two replicas
//     with the same (chat_history, voting_results, history) always
//     arrive at the same current_hash. This is how peers detect
//     divergence without a central authority — compare hashes, not
//     bytes.
//
//  2. History log
//     We keep the last 50 (version, hash) pairs so a peer can answer
//     "was your state ever at this exact point?" (has_version_with_hash),
//     which is what lets the sync engine tell a fork (diverged lineage)
//     from a descendant (safe fast-forward).
//
//  3. Ownership
//     Exactly one component — the State Replica — mutates State. Sync
//     and voting only ever call its commit-bearing methods; nothing
//     reaches into ChatHistory or VotingResults directly.
package roomstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// maxHistoryLog is the cap on history_log entries (spec invariant 3).
const maxHistoryLog = 50

// maxRecentHashes bounds how many hashes an announce carries (spec §4.4).
const maxRecentHashes = 500

// ChatMessage is one entry in chat_history.
type ChatMessage struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// VotingOptionResult mirrors wire.VotingOptionResult for persisted results.
type VotingOptionResult struct {
	OptionID string   `json:"option_id"`
	Count    uint32   `json:"count"`
	Voters   []string `json:"voters,omitempty"`
}

// VotingResult is a completed voting, as stored in voting_results.
type VotingResult struct {
	VotingID          string               `json:"voting_id"`
	Question          string               `json:"question"`
	Options           []VotingOptionT       `json:"options"`
	Results           []VotingOptionResult `json:"results"`
	TotalParticipants uint32               `json:"total_participants"`
	TotalVoted        uint32               `json:"total_voted"`
}

// VotingOptionT is a voting option as persisted in a VotingResult.
type VotingOptionT struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// HistoryEntry is one (version, hash) pair in the chain.
type HistoryEntry struct {
	Version uint64 `json:"version"`
	Hash    string `json:"hash"`
}

// State is the replicated document (spec §3, "RoomState").
//
// Fields are exported for JSON (de)serialization across Persistence
// and the wire, but State is never mutated from outside this package —
// callers go through Apply*/Commit.
type State struct {
	ChatHistory   []ChatMessage           `json:"chat_history"`
	VotingResults map[string]VotingResult `json:"voting_results"`
	Version       uint64                  `json:"version"`
	CurrentHash   string                  `json:"current_hash"`
	HistoryLog    []HistoryEntry          `json:"history_log"`
}

// Default returns a pristine empty state (spec invariant 5).
func Default() State {
	return State{
		ChatHistory:   []ChatMessage{},
		VotingResults: map[string]VotingResult{},
		Version:       0,
		CurrentHash:   "",
		HistoryLog:    []HistoryEntry{},
	}
}

// Clone deep-copies s so callers can hand out snapshots without
// aliasing the replica's internal slices/maps.
func (s State) Clone() State {
	out := State{
		ChatHistory:   append([]ChatMessage(nil), s.ChatHistory...),
		VotingResults: make(map[string]VotingResult, len(s.VotingResults)),
		Version:       s.Version,
		CurrentHash:   s.CurrentHash,
		HistoryLog:    append([]HistoryEntry(nil), s.HistoryLog...),
	}
	for k, v := range s.VotingResults {
		out.VotingResults[k] = v
	}
	return out
}

// HasVersionWithHash reports whether (v, h) appears in the history log
// (spec §4.3 has_version_with_hash).
func (s State) HasVersionWithHash(v uint64, h string) bool {
	for _, e := range s.HistoryLog {
		if e.Version == v && e.Hash == h {
			return true
		}
	}
	return false
}

// RecentHashes returns up to maxRecentHashes hashes from the history
// log, oldest first, for use in a SyncVersionAnnounce.
func (s State) RecentHashes() []string {
	hashes := make([]string, 0, len(s.HistoryLog))
	for _, e := range s.HistoryLog {
		hashes = append(hashes, e.Hash)
	}
	if len(hashes) > maxRecentHashes {
		hashes = hashes[len(hashes)-maxRecentHashes:]
	}
	return hashes
}

// chainHash computes SHA-256(chatJSON ‖ votingJSON ‖ previousHash),
// matching spec invariant 2. chat/voting are marshaled independently so
// the hash is stable regardless of map iteration order inside a single
// VotingResult's nested slices (map key order in VotingResults itself
// does not affect the hash because we marshal the whole map via
// encoding/json, which sorts map keys).
func chainHash(chat []ChatMessage, voting map[string]VotingResult, previous string) (string, error) {
	chatJSON, err := json.Marshal(chat)
	if err != nil {
		return "", fmt.Errorf("marshal chat history: %w", err)
	}
	votingJSON, err := json.Marshal(voting)
	if err != nil {
		return "", fmt.Errorf("marshal voting results: %w", err)
	}
	h := sha256.New()
	h.Write(chatJSON)
	h.Write(votingJSON)
	h.Write([]byte(previous))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// commit advances the chain by one version: recompute the hash,
// append to history_log, trim to maxHistoryLog (spec invariants 1-4).
func (s *State) commit() error {
	hash, err := chainHash(s.ChatHistory, s.VotingResults, s.CurrentHash)
	if err != nil {
		return err
	}
	s.Version++
	s.CurrentHash = hash
	s.HistoryLog = append(s.HistoryLog, HistoryEntry{Version: s.Version, Hash: hash})
	if len(s.HistoryLog) > maxHistoryLog {
		s.HistoryLog = s.HistoryLog[len(s.HistoryLog)-maxHistoryLog:]
	}
	return nil
}

// Event is anything that mutates State — chat message, vote cast,
// voting result landing, etc. Mutate applies the event's effect to s
// in place; Commit (called by the owning Replica) then advances the
// chain.
type Event interface {
	Mutate(s *State)
}

// ChatEvent appends a chat message.
type ChatEvent struct {
	Sender string
	Body   string
}

func (e ChatEvent) Mutate(s *State) {
	s.ChatHistory = append(s.ChatHistory, ChatMessage{Sender: e.Sender, Body: e.Body})
}

// VotingResultEvent records a completed voting's result.
type VotingResultEvent struct {
	Result VotingResult
}

func (e VotingResultEvent) Mutate(s *State) {
	if s.VotingResults == nil {
		s.VotingResults = map[string]VotingResult{}
	}
	s.VotingResults[e.Result.VotingID] = e.Result
}

// Replica is the State Replica component (spec §4.3): the exclusive
// owner of one room's State. It is safe for concurrent use, mirroring
// the teacher store's sync.RWMutex discipline — reads never block each
// other, writes are serialized.
type Replica struct {
	mu  sync.RWMutex
	st  State

	// LocalVersion/LastSyncedVersion track how far ahead of the last
	// accepted remote snapshot this replica's local edits are (spec §3
	// ancillary entities). LocalVersion always equals st.Version; kept
	// as a separate read so callers don't need the lock dance twice.
	lastSyncedVersion uint64
}

// New creates a Replica seeded with an initial state (e.g. loaded from
// Persistence, or Default() on first attach).
func New(initial State) *Replica {
	return &Replica{st: initial, lastSyncedVersion: initial.Version}
}

// Snapshot returns a deep copy of the current state.
func (r *Replica) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.Clone()
}

// Version returns the current (local) version.
func (r *Replica) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.Version
}

// Hash returns the current hash.
func (r *Replica) Hash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.CurrentHash
}

// LastSyncedVersion returns the version last accepted via ApplyRemote
// or ApplySnapshot.
func (r *Replica) LastSyncedVersion() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSyncedVersion
}

// HasVersionWithHash reports whether (v,h) is in this replica's log.
func (r *Replica) HasVersionWithHash(v uint64, h string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.HasVersionWithHash(v, h)
}

// RecentHashes returns the replica's recent-hashes list for an announce.
func (r *Replica) RecentHashes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.RecentHashes()
}

// ApplyLocal mutates state for a locally-originated event and commits.
// The caller (room loop) is responsible for persisting afterward and
// for treating this replica as unsynced (LocalVersion > LastSyncedVersion
// is implied because LastSyncedVersion does not move here).
func (r *Replica) ApplyLocal(ev Event) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Mutate(&r.st)
	if err := r.st.commit(); err != nil {
		return State{}, err
	}
	return r.st.Clone(), nil
}

// ApplyRemote mutates state for a network-originated event, commits,
// and advances LastSyncedVersion to match (spec §4.3 apply_remote).
func (r *Replica) ApplyRemote(ev Event) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Mutate(&r.st)
	if err := r.st.commit(); err != nil {
		return State{}, err
	}
	r.lastSyncedVersion = r.st.Version
	return r.st.Clone(), nil
}

// ApplySnapshot replaces state wholesale (spec §4.3 apply_snapshot).
func (r *Replica) ApplySnapshot(remote State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st = remote.Clone()
	r.lastSyncedVersion = remote.Version
}

// Reset discards the replica back to a pristine, version-0 state
// (conflict resolver Option C, "discard").
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st = Default()
	r.lastSyncedVersion = 0
}
