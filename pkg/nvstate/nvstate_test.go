package nvstate

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s := NewStore(path)
	require.True(t, s.Enabled())

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, State{}, st, "missing file yields zero state")

	require.NoError(t, s.Save(State{LastSeq: 41, RecentCommandIDs: []string{"c1", "c2"}}))

	st, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(41), st.LastSeq)
	assert.Equal(t, []string{"c1", "c2"}, st.RecentCommandIDs)
}

func TestStore_TrimsIDs(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state.yaml"))

	ids := make([]string, MaxCommandIDs+10)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%d", i)
	}
	require.NoError(t, s.Save(State{RecentCommandIDs: ids}))

	st, err := s.Load()
	require.NoError(t, err)
	require.Len(t, st.RecentCommandIDs, MaxCommandIDs)
	assert.Equal(t, "c10", st.RecentCommandIDs[0])
	assert.Equal(t, fmt.Sprintf("c%d", MaxCommandIDs+9), st.RecentCommandIDs[MaxCommandIDs-1])
}

func TestStore_Disabled(t *testing.T) {
	var nilStore *Store
	for _, s := range []*Store{NewStore(""), nilStore} {
		assert.False(t, s.Enabled())
		assert.NoError(t, s.Save(State{LastSeq: 1}))
		st, err := s.Load()
		assert.NoError(t, err)
		assert.Equal(t, State{}, st)
	}
}

func TestStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("last_seq: [nope"), 0600))

	_, err := NewStore(path).Load()
	assert.Error(t, err)
}
