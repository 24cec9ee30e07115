// Package syncengine implements the three-phase sync protocol and the
// lineage/conflict classification rules from spec §4.4: announce ->
// donor selection -> snapshot apply, plus fork/split-brain/unsynced-local
// detection.
//
// Engine holds the transient buffers the spec calls SyncCandidates,
// CollectedAnnounces, CollectedSnapshots and ExpectedSnapshotFrom. It
// does not own RoomState — every mutation goes back through the
// roomstate.Replica the Engine was built with, the same "exclusive
// ownership, borrow don't share" rule the teacher's Store enforces
// with its RWMutex.
package syncengine

import (
	"math/rand"
	"sort"

	"roomrelay/internal/roomstate"
)

// ConflictKind names the three classes of conflict spec §4.4/§7 define.
type ConflictKind string

const (
	ConflictSplitBrain    ConflictKind = "SplitBrain"
	ConflictFork          ConflictKind = "Fork"
	ConflictUnsyncedLocal ConflictKind = "UnsyncedLocal"
)

// Conflict is raised to the Conflict Resolver; never fatal (spec §7).
type Conflict struct {
	Kind          ConflictKind
	LocalVersion  uint64
	RemoteVersion uint64
}

// LineageStatus is the classification an announce receives (spec §4.4 table).
type LineageStatus string

const (
	StatusIdentical  LineageStatus = "IDENTICAL"
	StatusDescendant LineageStatus = "DESCENDANT"
	StatusFork       LineageStatus = "FORK"
	StatusSplitBrain LineageStatus = "SPLIT_BRAIN"
	StatusBehind     LineageStatus = "BEHIND"
)

// Announce is a received SyncVersionAnnounce, engine-internal form.
type Announce struct {
	Username     string
	Version      uint64
	StateHash    string
	RecentHashes []string
}

// Candidate is a peer eligible to donate a snapshot.
type Candidate struct {
	Username string
	Version  uint64
}

// SnapshotSample pairs a received snapshot with who sent it, used while
// snapshot-collection mode is active (Conflict Resolver Option C).
type SnapshotSample struct {
	FromUsername string
	State        roomstate.State
}

// Engine drives one room's sync protocol.
type Engine struct {
	replica *roomstate.Replica
	self    string
	rng     *rand.Rand

	candidates map[string]Candidate

	collectingAnnounces bool
	collectedAnnounces  map[string]Announce // keyed by username, last write wins

	collectingSnapshots bool
	collectedSnapshots  []SnapshotSample

	expectedSnapshotFrom *string
}

// New builds an Engine for a replica owned by the peer known as self.
// rngSeed lets callers get deterministic donor selection in tests;
// production code should seed from crypto/rand-derived entropy per
// sync round (spec §9: "locally-seeded RNG per sync round").
func New(replica *roomstate.Replica, self string, rngSeed int64) *Engine {
	return &Engine{
		replica:            replica,
		self:               self,
		rng:                rand.New(rand.NewSource(rngSeed)),
		candidates:         map[string]Candidate{},
		collectedAnnounces: map[string]Announce{},
	}
}

// ResetCandidates clears SyncCandidates before a fresh announce round.
func (e *Engine) ResetCandidates() {
	e.candidates = map[string]Candidate{}
}

// SelfAnnounce builds this replica's own SyncVersionAnnounce payload,
// sent in reply to a SYNC_REQUEST (spec §4.4 phase 1 — "every peer,
// including self, responds").
func (e *Engine) SelfAnnounce() Announce {
	return Announce{
		Username:     e.self,
		Version:      e.replica.Version(),
		StateHash:    e.replica.Hash(),
		RecentHashes: e.replica.RecentHashes(),
	}
}

// EnterAnnounceCollection switches the engine into announce-collection
// mode: conflicts are suppressed and announces are buffered instead
// (spec §4.5 Option C step 1).
func (e *Engine) EnterAnnounceCollection() {
	e.collectingAnnounces = true
	e.collectedAnnounces = map[string]Announce{}
}

// ExitAnnounceCollection leaves announce-collection mode and returns
// the buffered, de-duplicated announces collected during the window.
func (e *Engine) ExitAnnounceCollection() []Announce {
	e.collectingAnnounces = false
	out := make([]Announce, 0, len(e.collectedAnnounces))
	for _, a := range e.collectedAnnounces {
		out = append(out, a)
	}
	return out
}

// EnterSnapshotCollection switches the engine into snapshot-collection
// mode: incoming SyncSnapshot frames are buffered instead of applied
// (spec §4.5, entered right before the Option C snapshot-request broadcast).
func (e *Engine) EnterSnapshotCollection() {
	e.collectingSnapshots = true
	e.collectedSnapshots = nil
}

// ExitSnapshotCollection leaves snapshot-collection mode and returns
// what was buffered.
func (e *Engine) ExitSnapshotCollection() []SnapshotSample {
	e.collectingSnapshots = false
	out := e.collectedSnapshots
	e.collectedSnapshots = nil
	return out
}

// SetExpectedSnapshotFrom arms the engine to apply the next snapshot
// unconditionally. username is recorded but not compared against the
// snapshot's sender: HandleSnapshot accepts the next snapshot from any
// peer while armed (spec §4.4/§4.5 — force-sync voting and
// discard's announce-driven donor selection both use this one mechanism,
// per spec §9's note that the two entry points are really one idea).
func (e *Engine) SetExpectedSnapshotFrom(username string) {
	u := username
	e.expectedSnapshotFrom = &u
}

// ClearExpectedSnapshotFrom disarms it.
func (e *Engine) ClearExpectedSnapshotFrom() {
	e.expectedSnapshotFrom = nil
}

// HandleAnnounce classifies a received SyncVersionAnnounce per spec
// §4.4. If the engine is in announce-collection mode, the announce is
// buffered (de-duplicated by username, keeping the latest) and no
// classification happens — conflict-raising is suppressed during that
// window.
func (e *Engine) HandleAnnounce(a Announce) (status LineageStatus, conflict *Conflict) {
	if e.collectingAnnounces {
		e.collectedAnnounces[a.Username] = a
		return "", nil
	}

	myVer := e.replica.Version()
	myHash := e.replica.Hash()

	iAmNewcomer := myVer == 0 || myHash == ""
	theyAreNewcomer := a.Version == 0 || a.StateHash == ""

	// Announces from a newcomer carry no information — ignore (spec §4.4).
	if theyAreNewcomer {
		return "", nil
	}

	// I'm a newcomer seeing real state: silently candidate, no conflict.
	if iAmNewcomer {
		e.candidates[a.Username] = Candidate{Username: a.Username, Version: a.Version}
		return StatusDescendant, nil
	}

	switch {
	case myHash == a.StateHash:
		return StatusIdentical, nil

	case a.Version > myVer:
		if containsHash(a.RecentHashes, myHash) {
			e.candidates[a.Username] = Candidate{Username: a.Username, Version: a.Version}
			return StatusDescendant, nil
		}
		return StatusFork, &Conflict{Kind: ConflictFork, LocalVersion: myVer, RemoteVersion: a.Version}

	case a.Version < myVer:
		return StatusBehind, nil

	default: // same version, different hash
		return StatusSplitBrain, &Conflict{Kind: ConflictSplitBrain, LocalVersion: myVer, RemoteVersion: a.Version}
	}
}

func containsHash(hashes []string, h string) bool {
	for _, x := range hashes {
		if x == h {
			return true
		}
	}
	return false
}

// SelectDonor picks the peer to request a snapshot from after an
// announce round: the peer(s) reporting the highest version above our
// own, chosen uniformly at random among ties, excluding self (spec
// §4.4 phase 2). ok is false when no candidate is ahead of us.
func (e *Engine) SelectDonor() (username string, ok bool) {
	myVer := e.replica.Version()

	var maxVer uint64
	var atMax []string
	for _, c := range e.candidates {
		if c.Username == e.self {
			continue
		}
		if c.Version > maxVer {
			maxVer = c.Version
			atMax = []string{c.Username}
		} else if c.Version == maxVer {
			atMax = append(atMax, c.Username)
		}
	}
	if maxVer <= myVer || len(atMax) == 0 {
		return "", false
	}

	sort.Strings(atMax) // deterministic ordering before random pick
	return atMax[e.rng.Intn(len(atMax))], true
}

// SnapshotAction tells the caller what to do with a received snapshot.
type SnapshotAction int

const (
	// ActionCollected means the snapshot was buffered (collection mode
	// active) and the caller should do nothing further.
	ActionCollected SnapshotAction = iota
	// ActionApply means the caller should accept remote as the new
	// state by calling roomstate.Replica.ApplySnapshot, which also moves
	// LastSyncedVersion; the Engine itself has changed nothing.
	ActionApply
	// ActionConflict means validation failed; Conflict is populated.
	ActionConflict
	// ActionIgnore means the snapshot carries no new information (we are
	// already at or ahead of it) and nothing should happen.
	ActionIgnore
)

// HandleSnapshot runs spec §4.4's snapshot-time validation table and
// reports what the caller should do. It does not itself call
// replica.ApplySnapshot — the caller does that (and persists) on
// ActionApply, keeping this Engine free of I/O.
func (e *Engine) HandleSnapshot(fromUsername string, remote roomstate.State) (action SnapshotAction, conflict *Conflict) {
	if e.collectingSnapshots {
		e.collectedSnapshots = append(e.collectedSnapshots, SnapshotSample{FromUsername: fromUsername, State: remote})
		return ActionCollected, nil
	}

	if e.expectedSnapshotFrom != nil {
		e.expectedSnapshotFrom = nil
		return ActionApply, nil
	}

	localVer := e.replica.Version()
	localHash := e.replica.Hash()
	lastSynced := e.replica.LastSyncedVersion()

	// Post-discard bootstrap: local is pristine, anything real fast-forwards us.
	if localVer == 0 && remote.Version > 0 {
		return ActionApply, nil
	}

	switch {
	case remote.Version == localVer && remote.CurrentHash != localHash:
		return ActionConflict, &Conflict{Kind: ConflictSplitBrain, LocalVersion: localVer, RemoteVersion: remote.Version}

	case remote.Version > localVer && !remote.HasVersionWithHash(localVer, localHash):
		return ActionConflict, &Conflict{Kind: ConflictFork, LocalVersion: localVer, RemoteVersion: remote.Version}

	case remote.Version > localVer && localVer > lastSynced:
		return ActionConflict, &Conflict{Kind: ConflictUnsyncedLocal, LocalVersion: localVer, RemoteVersion: remote.Version}

	case remote.Version > localVer:
		return ActionApply, nil

	default:
		return ActionIgnore, nil
	}
}

// ShouldReplyToSnapshotRequest tells a peer receiving a
// SyncSnapshotRequest whether it should reply. An empty TargetUsername
// means broadcast.
func ShouldReplyToSnapshotRequest(targetUsername, self string) bool {
	return targetUsername == "" || targetUsername == self
}
