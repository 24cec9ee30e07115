package auth

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreCreateAndGetAccount(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)

	require.NoError(t, s.CreateAccount(Account{Username: "alice", Secret: "seed"}))

	acct, ok, err := s.GetAccount("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "seed", acct.Secret)
}

func TestFileStoreRejectsDuplicateUsername(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)

	require.NoError(t, s.CreateAccount(Account{Username: "alice", Secret: "seed"}))
	assert.Error(t, s.CreateAccount(Account{Username: "alice", Secret: "other"}))
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")

	s1, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.CreateAccount(Account{Username: "alice", Secret: "seed"}))

	s2, err := OpenFileStore(path)
	require.NoError(t, err)
	acct, ok, err := s2.GetAccount("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "seed", acct.Secret)
}

func TestFileStoreGetMissingAccount(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)

	_, ok, err := s.GetAccount("ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}
