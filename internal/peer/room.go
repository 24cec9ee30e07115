// Package peer wires every other internal package into the single
// "room loop" goroutine spec §5 calls for on the peer side:
// cooperative, non-preemptive handling of one room's traffic, mirrored
// in Go as one goroutine owning every mutable piece (Replica, Engine,
// voting.Manager) and talking to the outside world only through
// channels — the transport's inbound channel in, transport.Send calls
// out.
package peer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"roomrelay/internal/persistence"
	"roomrelay/internal/presence"
	"roomrelay/internal/resolver"
	"roomrelay/internal/roomstate"
	"roomrelay/internal/rtime"
	"roomrelay/internal/syncengine"
	"roomrelay/internal/transport"
	"roomrelay/internal/voting"
	"roomrelay/internal/wire"
)

// normalSyncWindow and discardSyncWindow are spec §4.4/§4.5's fixed
// announce-collection windows — 1s for a plain attach sync, 2s during
// conflict-resolution discard.
const (
	normalSyncWindow  = 1 * time.Second
	discardSyncWindow = 2 * time.Second
)

// Command is a locally-originated request handed to the room loop —
// the non-network half of "every handler is non-preemptive between
// its suspension points" (spec §5): commands and inbound frames are
// both just messages the loop's select statement serializes.
type Command struct {
	Chat           *ChatCommand
	Mouse          *wire.MouseEventPayload
	StartVoting    *StartVotingCommand
	Cast           *wire.VotingCastPayload
	ResolveRelocate *string // new room id
	ResolveForce   bool
	ResolveDiscard bool
}

// ChatCommand is a locally-typed chat message.
type ChatCommand struct{ Body string }

// StartVotingCommand is a locally-initiated voting.
type StartVotingCommand struct {
	Question        string
	Options         []wire.VotingOption
	Type            wire.VotingType
	IsAnonymous     bool
	TimerSeconds    *uint32
	DefaultOptionID *string
}

// Room owns one attached room's entire protocol state. Nothing outside
// Run's goroutine may touch Replica/engine/voting directly.
type Room struct {
	self   string
	roomID string

	conn  *transport.Conn
	store *persistence.Store
	clock rtime.Clock

	replica *roomstate.Replica
	engine  *syncengine.Engine
	voting  *voting.Manager
	cursor  *presence.CursorGate

	commands chan Command

	// memberCount estimates total room membership (excluding self) for
	// majority math during discard rounds; callers on the relay side
	// can wire this to relay.Hub.MemberCount, peer-only tests can stub
	// a fixed count.
	memberCount func() int

	roundAnnounces map[string]syncengine.Announce

	pendingConflict *syncengine.Conflict

	discardDeadline <-chan time.Time
	syncDeadline    <-chan time.Time
}

// New builds a Room for self attaching to roomID over conn, with
// state seeded from store (or default if absent).
func New(self, roomID string, conn *transport.Conn, store *persistence.Store, clock rtime.Clock, memberCount func() int) (*Room, error) {
	st, _, err := store.Load(roomID)
	if err != nil {
		return nil, fmt.Errorf("load room state: %w", err)
	}

	replica := roomstate.New(st)
	r := &Room{
		self:           self,
		roomID:         roomID,
		conn:           conn,
		store:          store,
		clock:          clock,
		replica:        replica,
		engine:         syncengine.New(replica, self, time.Now().UnixNano()),
		voting:         voting.New(),
		cursor:         presence.NewCursorGate(clock, presence.DefaultCursorThrottle),
		commands:       make(chan Command, 64),
		memberCount:    memberCount,
		roundAnnounces: map[string]syncengine.Announce{},
	}
	return r, nil
}

// Commands returns the channel callers (a CLI, a UI adapter) send
// Command values on.
func (r *Room) Commands() chan<- Command { return r.commands }

// Run drives the room loop until ctx is canceled or the connection is
// closed. It starts the initial attach sync round immediately.
func (r *Room) Run(ctx context.Context) {
	r.startSyncRound(normalSyncWindow)

	votingTicker := r.clock.NewTicker(1 * time.Second)
	defer votingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-r.conn.Inbound():
			if !ok {
				return
			}
			r.handleFrame(frame)

		case cmd := <-r.commands:
			r.handleCommand(cmd)

		case <-r.syncDeadline:
			r.syncDeadline = nil
			r.finishSyncRound()

		case <-r.discardDeadline:
			r.discardDeadline = nil
			r.finishDiscardRound()

		case <-votingTicker.C():
			r.tickVotings()
		}
	}
}

// send marshals and enqueues a frame for the relay.
func (r *Room) send(tag wire.Tag, payload any) { r.conn.Send(tag, payload) }

// persist writes the replica's current snapshot to the durable store,
// logging (not failing) on error per spec §7 PersistenceFailure.
func (r *Room) persist() {
	if err := r.store.Save(r.roomID, r.replica.Snapshot()); err != nil {
		log.Warn().Err(err).Str("room", r.roomID).Msg("persist room state failed")
	}
}

// ── Inbound frame routing ──────────────────────────────────────────

func (r *Room) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TagChatMessage:
		var p wire.ChatMessagePayload
		if err := wire.DecodePayload(f, &p); err != nil {
			r.send(wire.TagError, wire.ErrorPayload{Error: err.Error()})
			return
		}
		if p.Username == r.self {
			// subscribePump echoes every published message back to its
			// own sender (spec §4.1); handleCommand's cmd.Chat path
			// already committed this message via ApplyLocal.
			return
		}
		if _, err := r.replica.ApplyRemote(roomstate.ChatEvent{Sender: p.Username, Body: p.Payload}); err != nil {
			log.Warn().Err(err).Msg("apply remote chat failed")
			return
		}
		r.persist()

	case wire.TagMouseEvent:
		// Ephemeral; nothing to apply or persist (spec §3).

	case wire.TagSyncRequest:
		r.send(wire.TagSyncVersionAnnounce, r.announcePayload())

	case wire.TagSyncVersionAnnounce:
		var p wire.SyncVersionAnnouncePayload
		if err := wire.DecodePayload(f, &p); err != nil {
			r.send(wire.TagError, wire.ErrorPayload{Error: err.Error()})
			return
		}
		a := syncengine.Announce{Username: p.Username, Version: p.Version, StateHash: p.StateHash, RecentHashes: p.RecentHashes}
		if p.Username != r.self {
			r.roundAnnounces[p.Username] = a
		}
		_, conflict := r.engine.HandleAnnounce(a)
		if conflict != nil {
			r.raiseConflict(*conflict)
		}

	case wire.TagSyncSnapshotRequest:
		var p wire.SyncSnapshotRequestPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			r.send(wire.TagError, wire.ErrorPayload{Error: err.Error()})
			return
		}
		if syncengine.ShouldReplyToSnapshotRequest(p.TargetUsername, r.self) {
			st := r.replica.Snapshot()
			data, err := jsonMarshalState(st)
			if err == nil {
				r.send(wire.TagSyncSnapshot, wire.SyncSnapshotPayload{Version: st.Version, State: data})
			}
		}

	case wire.TagSyncSnapshot:
		var p wire.SyncSnapshotPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			r.send(wire.TagError, wire.ErrorPayload{Error: err.Error()})
			return
		}
		remote, err := jsonUnmarshalState(p.State)
		if err != nil {
			log.Warn().Err(err).Msg("decode snapshot state failed")
			return
		}
		r.handleSnapshot(remote)

	case wire.TagVotingStart:
		var p wire.VotingStartPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			r.send(wire.TagError, wire.ErrorPayload{Error: err.Error()})
			return
		}
		resp := r.voting.Start(p, r.self)
		r.send(wire.TagPresenceResponse, resp)

	case wire.TagVotingCast:
		var p wire.VotingCastPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			r.send(wire.TagError, wire.ErrorPayload{Error: err.Error()})
			return
		}
		if err := r.voting.Cast(p); err != nil {
			log.Debug().Err(err).Msg("voting cast rejected")
		}

	case wire.TagVotingResult:
		var p wire.VotingResultPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			r.send(wire.TagError, wire.ErrorPayload{Error: err.Error()})
			return
		}
		creator := ""
		alreadyApplied := false
		if st, ok := r.voting.Get(p.VotingID); ok {
			switch {
			case st.Status == voting.StatusResults:
				// tickVotings already tallied and committed this result
				// locally before broadcasting it; this is that broadcast
				// echoing back to its own creator (spec §4.1).
				alreadyApplied = true
			case st.Active != nil:
				creator = st.Active.Start.Creator
			}
		}
		if !alreadyApplied {
			r.voting.ApplyResult(p)
			r.applyVotingResultToState(p)
		}
		r.maybeCompleteForceSync(p, creator)

	case wire.TagVotingEnd:
		var p wire.VotingEndPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return
		}
		_ = p // Results already recorded on VOTING_RESULT; VOTING_END is a pure marker.

	case wire.TagPresenceRequest:
		var p wire.PresenceRequestPayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return
		}
		r.send(wire.TagPresenceResponse, wire.PresenceResponsePayload{RequestID: p.RequestID, User: r.self})

	case wire.TagPresenceResponse:
		var p wire.PresenceResponsePayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return
		}
		r.voting.HandlePresenceResponse(p)

	case wire.TagPresenceAnnounce:
		var p wire.PresenceAnnouncePayload
		if err := wire.DecodePayload(f, &p); err != nil {
			return
		}
		r.voting.HandlePresenceAnnounce(p)

	case wire.TagPing:
		r.send(wire.TagPong, nil)

	case wire.TagPong, wire.TagError:
		// No action needed peer-side.
	}
}

func (r *Room) announcePayload() wire.SyncVersionAnnouncePayload {
	a := r.engine.SelfAnnounce()
	return wire.SyncVersionAnnouncePayload{Username: a.Username, Version: a.Version, StateHash: a.StateHash, RecentHashes: a.RecentHashes}
}

// applyVotingResultToState persists a completed voting's result into
// RoomState.voting_results, advancing the hash chain (spec §4.6
// "persist the result... and commit").
func (r *Room) applyVotingResultToState(p wire.VotingResultPayload) {
	options := make([]roomstate.VotingOptionT, 0, len(p.Options))
	for _, o := range p.Options {
		options = append(options, roomstate.VotingOptionT{ID: o.ID, Text: o.Text})
	}
	results := make([]roomstate.VotingOptionResult, 0, len(p.Results))
	for _, res := range p.Results {
		results = append(results, roomstate.VotingOptionResult{OptionID: res.OptionID, Count: res.Count, Voters: res.Voters})
	}
	ev := roomstate.VotingResultEvent{Result: roomstate.VotingResult{
		VotingID:          p.VotingID,
		Question:          p.Question,
		Options:           options,
		Results:           results,
		TotalParticipants: p.TotalParticipants,
		TotalVoted:        p.TotalVoted,
	}}
	if _, err := r.replica.ApplyRemote(ev); err != nil {
		log.Warn().Err(err).Msg("apply voting result failed")
		return
	}
	r.persist()
}

// maybeCompleteForceSync implements spec §4.5 Option B's conclusion: a
// binary Yes/No "force sync to my version" voting that resolved Yes
// arms every peer's ExpectedSnapshotFrom at the creator, and the
// lexicographically-first voter (excluding the creator) requests the
// actual snapshot so exactly one request goes out.
func (r *Room) maybeCompleteForceSync(p wire.VotingResultPayload, creator string) {
	if creator == "" || len(p.Options) != 2 {
		return
	}
	var yesID string
	var hasYes, hasNo bool
	for _, o := range p.Options {
		switch o.Text {
		case "Yes":
			hasYes, yesID = true, o.ID
		case "No":
			hasNo = true
		}
	}
	if !hasYes || !hasNo {
		return
	}

	var yesCount, noCount uint32
	voters := map[string]bool{}
	for _, res := range p.Results {
		for _, v := range res.Voters {
			voters[v] = true
		}
		if res.OptionID == yesID {
			yesCount = res.Count
		} else {
			noCount += res.Count
		}
	}
	if yesCount <= noCount {
		return
	}

	names := make([]string, 0, len(voters))
	for v := range voters {
		if v != creator {
			names = append(names, v)
		}
	}
	sort.Strings(names)

	r.engine.SetExpectedSnapshotFrom(creator)
	if len(names) > 0 && names[0] == r.self {
		r.send(wire.TagSyncSnapshotRequest, wire.SyncSnapshotRequestPayload{TargetUsername: creator})
	}
}

// ── Sync rounds ─────────────────────────────────────────────────────

func (r *Room) startSyncRound(window time.Duration) {
	r.engine.ResetCandidates()
	r.roundAnnounces = map[string]syncengine.Announce{}
	r.send(wire.TagSyncRequest, nil)
	r.send(wire.TagSyncVersionAnnounce, r.announcePayload())
	r.syncDeadline = r.clock.After(window)
}

func (r *Room) finishSyncRound() {
	donor, ok := r.engine.SelectDonor()
	if !ok {
		return
	}
	r.send(wire.TagSyncSnapshotRequest, wire.SyncSnapshotRequestPayload{TargetUsername: donor})
}

// handleSnapshot routes a received SyncSnapshot through the engine,
// buffering it if Option C snapshot-collection is active.
func (r *Room) handleSnapshot(remote roomstate.State) {
	fromUsername := "" // best-effort; SyncSnapshot doesn't carry a sender field on the wire, matched by content when needed
	action, conflict := r.engine.HandleSnapshot(fromUsername, remote)
	switch action {
	case syncengine.ActionCollected:
		return
	case syncengine.ActionApply:
		wasBootstrap := r.replica.Version() == 0 && remote.Version > 0
		r.replica.ApplySnapshot(remote)
		r.persist()
		r.pendingConflict = nil
		if wasBootstrap {
			r.send(wire.TagSyncVersionAnnounce, r.announcePayload())
		}
	case syncengine.ActionConflict:
		if conflict != nil {
			r.raiseConflict(*conflict)
		}
	case syncengine.ActionIgnore:
		// Nothing to do.
	}
}

func (r *Room) raiseConflict(c syncengine.Conflict) {
	r.pendingConflict = &c
	log.Info().Str("kind", string(c.Kind)).Uint64("local", c.LocalVersion).Uint64("remote", c.RemoteVersion).
		Msg("sync conflict raised, awaiting operator resolution")
}

// ── Conflict Resolver wiring ────────────────────────────────────────

// resolveNow runs the Conflict Resolver against the currently pending
// conflict, using whatever announces this round has collected so far.
// resolveForceSync calls it when the operator picks Option B; it
// returns the concrete action resolver.HandleConflict derives for that
// conflict kind, or nil when no conflict is pending.
func (r *Room) resolveNow() *resolver.Action {
	if r.pendingConflict == nil {
		return nil
	}
	announces := r.announcesSlice()
	action := resolver.HandleConflict(*r.pendingConflict, announces, r.roomID)
	return &action
}

func (r *Room) announcesSlice() []syncengine.Announce {
	out := make([]syncengine.Announce, 0, len(r.roundAnnounces))
	for _, a := range r.roundAnnounces {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (r *Room) startDiscard() {
	r.pendingConflict = nil
	if err := r.store.Delete(r.roomID); err != nil {
		log.Warn().Err(err).Msg("delete persisted room state failed")
	}
	resolver.ApplyDiscard(r.replica)

	r.engine.EnterAnnounceCollection()
	r.roundAnnounces = map[string]syncengine.Announce{}
	r.send(wire.TagSyncRequest, nil)
	r.discardDeadline = r.clock.After(discardSyncWindow)
}

func (r *Room) finishDiscardRound() {
	announces := r.engine.ExitAnnounceCollection()
	for _, a := range announces {
		r.roundAnnounces[a.Username] = a
	}

	total := len(announces)
	if r.memberCount != nil {
		if mc := r.memberCount(); mc > total {
			total = mc
		}
	}

	result := resolver.TallyDiscardRound(announces, total)
	switch result.Outcome {
	case resolver.OutcomeMajority:
		r.engine.SetExpectedSnapshotFrom(result.MajorityDonor)
		r.send(wire.TagSyncSnapshotRequest, wire.SyncSnapshotRequestPayload{TargetUsername: result.MajorityDonor})
	case resolver.OutcomeNoMajority:
		if len(result.VotingOptions) == 0 {
			return
		}
		r.startHashSelectionVoting(result.VotingOptions)
	}
}

func (r *Room) startHashSelectionVoting(options []resolver.VoteOption) {
	votingID := uuid.NewString()
	wireOpts := make([]wire.VotingOption, 0, len(options))
	for _, o := range options {
		text := fmt.Sprintf("%s... (from %s, v%d)", shortHash(o.ID), o.Username, o.Version)
		wireOpts = append(wireOpts, wire.VotingOption{ID: o.ID, Text: text})
	}
	payload := wire.VotingStartPayload{
		VotingID:    votingID,
		Question:    "select the surviving state after discard",
		Options:     wireOpts,
		Type:        wire.VotingSingleChoice,
		IsAnonymous: false,
		Creator:     "system",
	}
	timer := uint32(60)
	payload.TimerSeconds = &timer

	resp := r.voting.Start(payload, r.self)
	r.send(wire.TagVotingStart, payload)
	r.send(wire.TagPresenceResponse, resp)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// ── Voting timers ───────────────────────────────────────────────────

func (r *Room) tickVotings() {
	for id, st := range r.voting.All() {
		if st.Status != voting.StatusActive {
			continue
		}
		r.voting.Tick(id)
		if st.Active.Start.Creator == r.self && r.voting.ShouldTally(id) {
			result, err := r.voting.Tally(id)
			if err != nil {
				continue
			}
			r.voting.ApplyResult(result)
			r.applyVotingResultToState(result)
			r.send(wire.TagVotingResult, result)
			r.send(wire.TagVotingEnd, wire.VotingEndPayload{VotingID: id})
		}
	}
}

// ── Local commands ──────────────────────────────────────────────────

func (r *Room) handleCommand(cmd Command) {
	switch {
	case cmd.Chat != nil:
		ev, payload := presence.Chat(r.self, cmd.Chat.Body)
		if _, err := r.replica.ApplyLocal(ev); err != nil {
			log.Warn().Err(err).Msg("apply local chat failed")
			return
		}
		r.persist()
		r.send(wire.TagChatMessage, payload)

	case cmd.Mouse != nil:
		r.cursor.Poll()
		if r.cursor.Allow() {
			r.send(wire.TagMouseEvent, *cmd.Mouse)
		}

	case cmd.StartVoting != nil:
		votingID := uuid.NewString()
		payload := wire.VotingStartPayload{
			VotingID:        votingID,
			Question:        cmd.StartVoting.Question,
			Options:         cmd.StartVoting.Options,
			Type:            cmd.StartVoting.Type,
			IsAnonymous:     cmd.StartVoting.IsAnonymous,
			TimerSeconds:    cmd.StartVoting.TimerSeconds,
			DefaultOptionID: cmd.StartVoting.DefaultOptionID,
			Creator:         r.self,
		}
		resp := r.voting.Start(payload, r.self)
		r.send(wire.TagVotingStart, payload)
		r.send(wire.TagPresenceResponse, resp)

	case cmd.Cast != nil:
		if err := r.voting.Cast(*cmd.Cast); err == nil {
			r.send(wire.TagVotingCast, *cmd.Cast)
		}

	case cmd.ResolveRelocate != nil:
		r.resolveRelocate(*cmd.ResolveRelocate)

	case cmd.ResolveForce:
		r.resolveForceSync()

	case cmd.ResolveDiscard:
		r.startDiscard()
	}
}

// resolveRelocate implements Option A: move the persisted entry to a
// fresh room id and clear the pending conflict; the caller is
// responsible for actually reattaching the transport to newRoomID.
func (r *Room) resolveRelocate(newRoomID string) {
	if err := r.store.Relocate(r.roomID, newRoomID); err != nil {
		log.Warn().Err(err).Msg("relocate room state failed")
		return
	}
	r.roomID = newRoomID
	r.pendingConflict = nil
}

// resolveForceSync implements Option B for the pending conflict: when
// the resolver names a single winner it requests that peer's snapshot
// directly; when it asks for a voting it starts the "force sync to my
// version" voting described in spec §4.5. Any other action (or no
// pending conflict) does nothing.
func (r *Room) resolveForceSync() {
	action := r.resolveNow()
	if action == nil {
		return
	}
	switch action.Kind {
	case resolver.ActionForceSyncFrom:
		r.engine.SetExpectedSnapshotFrom(action.WinnerUsername)
		r.send(wire.TagSyncSnapshotRequest, wire.SyncSnapshotRequestPayload{TargetUsername: action.WinnerUsername})
	case resolver.ActionStartVoting:
		r.startForceSyncVoting()
	}
}

// startForceSyncVoting starts the Yes/No "force sync to my version"
// voting spec §4.5 Option B describes verbatim.
func (r *Room) startForceSyncVoting() {
	votingID := uuid.NewString()
	no := "no"
	yes := "yes"
	payload := wire.VotingStartPayload{
		VotingID:        votingID,
		Question:        "force sync to my version",
		Options:         []wire.VotingOption{{ID: no, Text: "No"}, {ID: yes, Text: "Yes"}},
		Type:            wire.VotingSingleChoice,
		IsAnonymous:     false,
		Creator:         r.self,
		DefaultOptionID: &no,
	}
	timer := uint32(60)
	payload.TimerSeconds = &timer

	resp := r.voting.Start(payload, r.self)
	r.send(wire.TagVotingStart, payload)
	r.send(wire.TagPresenceResponse, resp)
}
