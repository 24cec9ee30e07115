package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/roomstate"
)

func TestLoadMissingReturnsNotOK(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.Load("nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	st := roomstate.Default()
	st.ChatHistory = []roomstate.ChatMessage{{Sender: "alice", Body: "hi"}}
	st.Version = 3
	st.CurrentHash = "abc123"

	require.NoError(t, s.Save("room-1", st))

	loaded, ok, err := s.Load("room-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, loaded)
}

func TestSaveOverwrites(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("room-1", roomstate.Default()))

	st2 := roomstate.Default()
	st2.Version = 9
	require.NoError(t, s.Save("room-1", st2))

	loaded, ok, err := s.Load("room-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), loaded.Version)
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.Delete("never-existed"))
}

func TestDeleteRemovesEntry(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Save("room-1", roomstate.Default()))
	require.NoError(t, s.Delete("room-1"))

	_, ok, err := s.Load("room-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelocateMovesEntryToNewRoomID(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	st := roomstate.Default()
	st.Version = 5
	require.NoError(t, s.Save("room-old", st))

	require.NoError(t, s.Relocate("room-old", "room-new"))

	_, ok, err := s.Load("room-old")
	require.NoError(t, err)
	assert.False(t, ok, "old room id must no longer have an entry")

	loaded, ok, err := s.Load("room-new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), loaded.Version)
}

func TestRelocateMissingSourceIsNoop(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.Relocate("ghost", "room-new"))

	_, ok, err := s.Load("room-new")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoomIDPathSanitization(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("../../etc/passwd", roomstate.Default()))
	_, ok, err := s.Load("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, ok, "path-traversal-looking room ids must still round-trip safely within the store dir")
}
