package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/roomstate"
	"roomrelay/internal/syncengine"
)

func TestResolveForkSingleReporterForceSyncs(t *testing.T) {
	c := syncengine.Conflict{Kind: syncengine.ConflictFork, LocalVersion: 3, RemoteVersion: 5}
	announces := []syncengine.Announce{
		{Username: "bob", Version: 5, StateHash: "h5"},
	}

	action := HandleConflict(c, announces, "room-1")
	assert.Equal(t, ActionForceSyncFrom, action.Kind)
	assert.Equal(t, "bob", action.WinnerUsername)
}

func TestResolveForkMultipleHashesStartsVoting(t *testing.T) {
	c := syncengine.Conflict{Kind: syncengine.ConflictFork, LocalVersion: 3, RemoteVersion: 5}
	announces := []syncengine.Announce{
		{Username: "bob", Version: 5, StateHash: "h5a"},
		{Username: "carol", Version: 6, StateHash: "h5b"},
	}

	action := HandleConflict(c, announces, "room-1")
	assert.Equal(t, ActionStartVoting, action.Kind)
	assert.Len(t, action.VotingOptions, 2)
}

func TestResolveForkNoAnnouncesIsNoop(t *testing.T) {
	c := syncengine.Conflict{Kind: syncengine.ConflictFork, LocalVersion: 3, RemoteVersion: 5}
	action := HandleConflict(c, nil, "room-1")
	assert.Equal(t, ActionNone, action.Kind)
}

func TestResolveSplitBrainNoAnnouncesRelocates(t *testing.T) {
	c := syncengine.Conflict{Kind: syncengine.ConflictSplitBrain, LocalVersion: 4, RemoteVersion: 4}
	action := HandleConflict(c, nil, "design-review")
	assert.Equal(t, ActionRelocate, action.Kind)
	assert.NotEqual(t, "design-review", action.NewRoomID)
	assert.Contains(t, action.NewRoomID, "design-review")
}

func TestResolveSplitBrainMultipleHashesVotes(t *testing.T) {
	c := syncengine.Conflict{Kind: syncengine.ConflictSplitBrain, LocalVersion: 4, RemoteVersion: 4}
	announces := []syncengine.Announce{
		{Username: "bob", Version: 4, StateHash: "hA"},
		{Username: "carol", Version: 4, StateHash: "hB"},
	}
	action := HandleConflict(c, announces, "room-1")
	assert.Equal(t, ActionStartVoting, action.Kind)
	assert.Len(t, action.VotingOptions, 2)
}

func TestResolveSplitBrainSingleHashIsNoop(t *testing.T) {
	c := syncengine.Conflict{Kind: syncengine.ConflictSplitBrain, LocalVersion: 4, RemoteVersion: 4}
	announces := []syncengine.Announce{
		{Username: "bob", Version: 4, StateHash: "hA"},
	}
	action := HandleConflict(c, announces, "room-1")
	assert.Equal(t, ActionNone, action.Kind)
}

func TestUnsyncedLocalResolvesLikeFork(t *testing.T) {
	c := syncengine.Conflict{Kind: syncengine.ConflictUnsyncedLocal, LocalVersion: 3, RemoteVersion: 5}
	announces := []syncengine.Announce{{Username: "bob", Version: 5, StateHash: "h5"}}

	action := HandleConflict(c, announces, "room-1")
	assert.Equal(t, ActionForceSyncFrom, action.Kind)
}

func TestMajority(t *testing.T) {
	assert.True(t, Majority(2, 3))
	assert.False(t, Majority(1, 3))
	assert.True(t, Majority(3, 4))
	assert.False(t, Majority(2, 4))
	assert.False(t, Majority(0, 0))
}

func TestTallyDiscardRoundMajority(t *testing.T) {
	announces := []syncengine.Announce{
		{Username: "alice", Version: 1, StateHash: "h1"},
		{Username: "bob", Version: 1, StateHash: "h1"},
		{Username: "carol", Version: 1, StateHash: "h2"},
	}
	result := TallyDiscardRound(announces, 3)
	assert.Equal(t, OutcomeMajority, result.Outcome)
	assert.Equal(t, "alice", result.MajorityDonor)
}

func TestTallyDiscardRoundNoMajorityFallsBackToVoting(t *testing.T) {
	announces := []syncengine.Announce{
		{Username: "alice", Version: 1, StateHash: "h1"},
		{Username: "bob", Version: 1, StateHash: "h2"},
	}
	result := TallyDiscardRound(announces, 4)
	assert.Equal(t, OutcomeNoMajority, result.Outcome)
	assert.Len(t, result.VotingOptions, 2)
}

func TestApplyDiscardResetsReplica(t *testing.T) {
	r := roomstate.New(roomstate.Default())
	_, err := r.ApplyLocal(roomstate.ChatEvent{Sender: "alice", Body: "hi"})
	require.NoError(t, err)

	st := ApplyDiscard(r)
	assert.Equal(t, uint64(0), st.Version)
	assert.Equal(t, uint64(0), r.Version())
}
