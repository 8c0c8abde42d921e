package raftstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func TestStorageAppendAndPersist(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStorage(dir)
	require.NoError(t, err)
	require.True(t, st.Empty())

	first, err := st.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)

	require.NoError(t, st.Append([]raftpb.Entry{
		{Index: 1, Term: 1, Data: []byte("e1")},
		{Index: 2, Term: 1, Data: []byte("e2")},
		{Index: 3, Term: 2, Data: []byte("e3")},
	}))

	got, err := st.Entries(1, 4, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []byte("e1"), got[0].Data)

	term, err := st.Term(3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	require.NoError(t, st.SetHardState(raftpb.HardState{Term: 2, Commit: 3}))
	require.NoError(t, st.SetConfState(raftpb.ConfState{Voters: []uint64{1, 2}}))

	st2, err := OpenStorage(dir)
	require.NoError(t, err)
	require.False(t, st2.Empty())

	hs, cs, err := st2.InitialState()
	require.NoError(t, err)
	require.Equal(t, uint64(2), hs.Term)
	require.Equal(t, uint64(3), hs.Commit)
	require.Equal(t, []uint64{1, 2}, cs.Voters)

	got2, err := st2.Entries(2, 4, 0)
	require.NoError(t, err)
	require.Len(t, got2, 2)
	require.Equal(t, []byte("e2"), got2[0].Data)
}

func TestStorageAppendOverwritesConflictingSuffix(t *testing.T) {
	st, err := OpenStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, st.Append([]raftpb.Entry{
		{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 1},
	}))
	require.NoError(t, st.Append([]raftpb.Entry{{Index: 2, Term: 2, Data: []byte("new")}}))

	last, err := st.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	term, err := st.Term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	require.Error(t, st.Append([]raftpb.Entry{{Index: 5, Term: 2}}))

	_, err = st.Entries(1, 10, 0)
	require.ErrorIs(t, err, raft.ErrUnavailable)
}

func TestStorageSnapshotAndCompaction(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStorage(dir)
	require.NoError(t, err)

	require.NoError(t, st.Append([]raftpb.Entry{
		{Index: 5, Term: 3},
		{Index: 6, Term: 3},
		{Index: 7, Term: 4},
	}))

	require.NoError(t, st.ApplySnapshot(raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{Index: 6, Term: 3},
	}))

	first, err := st.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(7), first)

	_, err = st.Term(5)
	require.ErrorIs(t, err, raft.ErrCompacted)

	require.NoError(t, st.Append([]raftpb.Entry{
		{Index: 7, Term: 4, Data: []byte("v7")},
		{Index: 8, Term: 4, Data: []byte("v8")},
	}))

	entries, err := st.Entries(7, 9, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("v7"), entries[0].Data)

	st2, err := OpenStorage(dir)
	require.NoError(t, err)

	first2, err := st2.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(7), first2)
}

func TestStorageCreateSnapshotThenCompact(t *testing.T) {
	st, err := OpenStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.SetConfState(raftpb.ConfState{Voters: []uint64{1}}))
	require.NoError(t, st.Append([]raftpb.Entry{
		{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 2}, {Index: 4, Term: 2},
	}))

	snap, err := st.CreateSnapshot(3, []byte("checkpoint"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Metadata.Index)
	require.Equal(t, uint64(2), snap.Metadata.Term)
	require.Equal(t, []uint64{1}, snap.Metadata.ConfState.Voters)
	require.Equal(t, []byte("checkpoint"), snap.Data)

	_, err = st.CreateSnapshot(2, nil)
	require.ErrorIs(t, err, raft.ErrSnapOutOfDate)
	_, err = st.CreateSnapshot(9, nil)
	require.ErrorIs(t, err, raft.ErrUnavailable)

	// Entries survive the snapshot until compacted.
	ents, err := st.Entries(1, 5, 0)
	require.NoError(t, err)
	require.Len(t, ents, 4)

	require.NoError(t, st.Compact(2))
	first, err := st.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), first)

	_, err = st.Entries(1, 5, 0)
	require.ErrorIs(t, err, raft.ErrCompacted)
}

func TestStorageDestroyRemovesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "group")
	st, err := OpenStorage(dir)
	require.NoError(t, err)
	require.NoError(t, st.SetHardState(raftpb.HardState{Term: 1}))

	_, err = os.Stat(filepath.Join(dir, stateFileName))
	require.NoError(t, err)

	require.NoError(t, st.Destroy())
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestLimitSize(t *testing.T) {
	ents := []raftpb.Entry{
		{Index: 1, Data: make([]byte, 100)},
		{Index: 2, Data: make([]byte, 100)},
		{Index: 3, Data: make([]byte, 100)},
	}
	require.Len(t, limitSize(ents, 0), 3)
	require.Len(t, limitSize(ents, 1), 1)
	require.Len(t, limitSize(ents, uint64(ents[0].Size()+ents[1].Size())), 2)
}

func TestProposalEnvelope(t *testing.T) {
	in := proposal{proposer: 7, seq: 42, batch: []byte{1, 2, 3}}
	out, err := decodeProposal(encodeProposal(in))
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = decodeProposal([]byte{0xff})
	require.Error(t, err)
}
