package userstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	st, err := New(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestCreateAndCheckPassword(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("alice", "secret"))

	assert.True(t, st.Exists("alice"))
	assert.True(t, st.CheckPassword("alice", "secret"))
	assert.False(t, st.CheckPassword("alice", "wrong"))
}

func TestCreateConflict(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("alice", "secret"))
	err := st.Create("alice", "other")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateInvalidUsername(t *testing.T) {
	st := newTestStore(t)
	err := st.Create("alice@bob", "secret")
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

func TestChangePassword(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("alice", "secret"))
	require.NoError(t, st.ChangePassword("alice", "newsecret"))

	assert.True(t, st.CheckPassword("alice", "newsecret"))
	assert.False(t, st.CheckPassword("alice", "secret"))
}

func TestDeleteRemovesAccount(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("alice", "secret"))
	require.NoError(t, st.Delete("alice"))

	assert.False(t, st.Exists("alice"))
}

func TestCheckPasswordMissingAccount(t *testing.T) {
	st := newTestStore(t)
	assert.False(t, st.CheckPassword("ghost", "whatever"))
}
