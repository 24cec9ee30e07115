package peer

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/persistence"
	"roomrelay/internal/presence"
	"roomrelay/internal/roomstate"
	"roomrelay/internal/rtime"
	"roomrelay/internal/syncengine"
	"roomrelay/internal/transport"
	"roomrelay/internal/voting"
	"roomrelay/internal/wire"
)

func TestShortHash(t *testing.T) {
	assert.Equal(t, "abcdefgh", shortHash("abcdefghijklmnop"))
	assert.Equal(t, "short", shortHash("short"))
}

func TestAnnouncesSliceSortedByUsername(t *testing.T) {
	r := &Room{
		roundAnnounces: map[string]syncengine.Announce{
			"carol": {Username: "carol", Version: 2},
			"alice": {Username: "alice", Version: 1},
			"bob":   {Username: "bob", Version: 3},
		},
	}
	out := r.announcesSlice()
	require.Len(t, out, 3)
	assert.Equal(t, []string{"alice", "bob", "carol"}, []string{out[0].Username, out[1].Username, out[2].Username})
}

func advance(t *testing.T, r *roomstate.Replica, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := r.ApplyLocal(roomstate.ChatEvent{Sender: "seed", Body: "x"})
		require.NoError(t, err)
	}
}

func newTestRoom(t *testing.T, self string) *Room {
	t.Helper()
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)
	replica := roomstate.New(roomstate.Default())
	return &Room{
		self:           self,
		roomID:         "room-1",
		store:          store,
		replica:        replica,
		engine:         syncengine.New(replica, self, 1),
		voting:         voting.New(),
		roundAnnounces: map[string]syncengine.Announce{},
	}
}

func forceSyncResult(yesVoters, noVoters []string) wire.VotingResultPayload {
	voterList := func(names []string) []string {
		if names == nil {
			return nil
		}
		return names
	}
	return wire.VotingResultPayload{
		VotingID: "v1",
		Options:  []wire.VotingOption{{ID: "no", Text: "No"}, {ID: "yes", Text: "Yes"}},
		Results: []wire.VotingOptionResult{
			{OptionID: "no", Count: uint32(len(noVoters)), Voters: voterList(noVoters)},
			{OptionID: "yes", Count: uint32(len(yesVoters)), Voters: voterList(yesVoters)},
		},
	}
}

// divergentRemote builds a remote state that, against a local replica
// sitting at version 2 with no shared lineage, the engine can only
// classify as a Fork unless ExpectedSnapshotFrom has been armed.
func divergentRemote() roomstate.State {
	st := roomstate.Default()
	st.Version = 5
	st.CurrentHash = "unrelated-lineage"
	st.HistoryLog = []roomstate.HistoryEntry{{Version: 5, Hash: "unrelated-lineage"}}
	return st
}

func TestMaybeCompleteForceSyncNoopWhenNoMajorityYes(t *testing.T) {
	r := newTestRoom(t, "carol")
	advance(t, r.replica, 2)
	result := forceSyncResult([]string{"bob"}, []string{"carol", "dave"})

	r.maybeCompleteForceSync(result, "alice")

	// Engine must remain unarmed: a divergent snapshot is still classified
	// as a conflict instead of being blindly applied.
	action, _ := r.engine.HandleSnapshot("", divergentRemote())
	assert.Equal(t, syncengine.ActionConflict, action)
}

func TestMaybeCompleteForceSyncArmsExpectedSnapshotOnYesMajority(t *testing.T) {
	r := newTestRoom(t, "carol") // not the creator, not the elected first voter ("bob" < "carol")
	advance(t, r.replica, 2)
	result := forceSyncResult([]string{"bob", "carol"}, []string{"dave"})

	r.maybeCompleteForceSync(result, "alice")

	// ExpectedSnapshotFrom is now armed on every peer regardless of who
	// sends the follow-up request, so a divergent snapshot is accepted
	// unconditionally instead of being classified as a conflict.
	action, _ := r.engine.HandleSnapshot("", divergentRemote())
	assert.Equal(t, syncengine.ActionApply, action)
}

func TestMaybeCompleteForceSyncIgnoresNonBinaryVotings(t *testing.T) {
	r := newTestRoom(t, "carol")
	advance(t, r.replica, 2)
	result := wire.VotingResultPayload{
		VotingID: "v1",
		Options:  []wire.VotingOption{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}, {ID: "c", Text: "C"}},
		Results:  []wire.VotingOptionResult{{OptionID: "a", Count: 3}},
	}
	r.maybeCompleteForceSync(result, "alice")

	action, _ := r.engine.HandleSnapshot("", divergentRemote())
	assert.Equal(t, syncengine.ActionConflict, action)
}

func TestApplyVotingResultToStatePersistsIntoRoomState(t *testing.T) {
	r := newTestRoom(t, "alice")
	result := wire.VotingResultPayload{
		VotingID:          "v1",
		Question:          "pick one",
		Options:           []wire.VotingOption{{ID: "a", Text: "A"}},
		Results:           []wire.VotingOptionResult{{OptionID: "a", Count: 1, Voters: []string{"alice"}}},
		TotalParticipants: 1,
		TotalVoted:        1,
	}

	r.applyVotingResultToState(result)

	snap := r.replica.Snapshot()
	require.Contains(t, snap.VotingResults, "v1")
	assert.Equal(t, "pick one", snap.VotingResults["v1"].Question)
	assert.Equal(t, uint64(1), snap.Version, "persisting a voting result must advance the hash chain")
}

func TestHandleCommandChatAppliesLocallyAndSends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newTestRoom(t, "alice")
	r.clock = rtime.Real()
	r.cursor = nil // not exercised by a chat command
	r.commands = make(chan Command, 1)
	r.conn = transport.Dial(ctx, "ws://127.0.0.1:1", http.Header{})
	defer r.conn.Close()

	r.handleCommand(Command{Chat: &ChatCommand{Body: "hello room"}})

	snap := r.replica.Snapshot()
	require.Len(t, snap.ChatHistory, 1)
	assert.Equal(t, "hello room", snap.ChatHistory[0].Body)
	assert.Equal(t, "alice", snap.ChatHistory[0].Sender)

	loaded, ok, err := r.store.Load("room-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), loaded.Version)

	// A moment for the Send call's internal marshal to enqueue without blocking.
	time.Sleep(10 * time.Millisecond)
}

func TestHandleFrameChatMessageFromRemoteAdvancesLastSynced(t *testing.T) {
	r := newTestRoom(t, "alice")

	frame, err := wire.Encode(wire.TagChatMessage, wire.ChatMessagePayload{Username: "bob", Payload: "hi"})
	require.NoError(t, err)

	r.handleFrame(frame)

	assert.Equal(t, r.replica.Version(), r.replica.LastSyncedVersion())
	snap := r.replica.Snapshot()
	require.Len(t, snap.ChatHistory, 1)
	assert.Equal(t, "bob", snap.ChatHistory[0].Sender)
}

func TestHandleFrameChatMessageSelfEchoIsIgnored(t *testing.T) {
	r := newTestRoom(t, "alice")
	ev, payload := presence.Chat("alice", "hello room")
	_, err := r.replica.ApplyLocal(ev)
	require.NoError(t, err)

	frame, err := wire.Encode(wire.TagChatMessage, payload)
	require.NoError(t, err)

	// subscribePump echoes every published frame back to its own
	// sender; this must not double-commit the message alice already
	// applied locally in handleCommand.
	r.handleFrame(frame)

	snap := r.replica.Snapshot()
	require.Len(t, snap.ChatHistory, 1, "self-echoed chat message must not be applied a second time")
	assert.Equal(t, uint64(1), snap.Version)
}

func TestHandleFrameVotingResultSelfEchoIsNotDoubleApplied(t *testing.T) {
	r := newTestRoom(t, "alice")
	start := wire.VotingStartPayload{
		VotingID:    "v1",
		Question:    "pick one",
		Options:     []wire.VotingOption{{ID: "opt-a", Text: "A"}, {ID: "opt-b", Text: "B"}},
		Type:        wire.VotingSingleChoice,
		IsAnonymous: false,
		Creator:     "alice",
	}
	r.voting.Start(start, "alice")

	result := wire.VotingResultPayload{
		VotingID:          "v1",
		Question:          start.Question,
		Options:           start.Options,
		Results:           []wire.VotingOptionResult{{OptionID: "opt-a", Count: 1, Voters: []string{"alice"}}},
		TotalParticipants: 1,
		TotalVoted:        1,
	}

	// Mirrors what tickVotings does synchronously for the creator: tally,
	// commit, then broadcast.
	r.voting.ApplyResult(result)
	r.applyVotingResultToState(result)
	require.Equal(t, uint64(1), r.replica.Snapshot().Version)

	frame, err := wire.Encode(wire.TagVotingResult, result)
	require.NoError(t, err)

	// The broadcast frame echoes back to alice, its own creator, via the
	// relay; it must not be re-committed into roomstate.
	r.handleFrame(frame)

	snap := r.replica.Snapshot()
	assert.Equal(t, uint64(1), snap.Version, "self-echoed voting result must not double-advance the hash chain")
}

func TestResolveRelocateMovesRoomAndClearsConflict(t *testing.T) {
	r := newTestRoom(t, "alice")
	c := syncengine.Conflict{Kind: syncengine.ConflictSplitBrain}
	r.pendingConflict = &c
	require.NoError(t, r.store.Save("room-1", r.replica.Snapshot()))

	r.resolveRelocate("room-2")

	assert.Equal(t, "room-2", r.roomID)
	assert.Nil(t, r.pendingConflict)

	_, ok, err := r.store.Load("room-2")
	require.NoError(t, err)
	assert.True(t, ok)
}
