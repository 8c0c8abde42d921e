package raftstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gogo/protobuf/proto"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const stateFileName = "raft_state.bin"

// Storage is the raft log of one region group. It implements raft.Storage
// and rewrites a single state file on every mutation; region logs are kept
// short by compacting after each snapshot.
type Storage struct {
	mu   sync.RWMutex
	dir  string
	path string

	hardState raftpb.HardState
	confState raftpb.ConfState
	snapshot  raftpb.Snapshot
	// entries[i].Index == offset+i
	offset  uint64
	entries []raftpb.Entry
}

var _ raft.Storage = (*Storage)(nil)

// OpenStorage loads (or creates) the log kept under dir.
func OpenStorage(dir string) (*Storage, error) {
	if dir == "" {
		return nil, fmt.Errorf("raft storage dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Storage{
		dir:    dir,
		path:   filepath.Join(dir, stateFileName),
		offset: 1,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load raft state from %s: %w", dir, err)
	}
	return s, nil
}

// Empty reports whether the log has never recorded any raft state.
func (s *Storage) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return raft.IsEmptyHardState(s.hardState) && len(s.entries) == 0 && raft.IsEmptySnap(s.snapshot)
}

// Destroy removes the log from disk.
func (s *Storage) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.hardState = raftpb.HardState{}
	s.snapshot = raftpb.Snapshot{}
	return os.RemoveAll(s.dir)
}

func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, s.confState, nil
}

// SetHardState records the latest term, vote and commit index.
func (s *Storage) SetHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardState = hs
	return s.persistLocked()
}

// SetConfState records the membership produced by an applied conf change.
func (s *Storage) SetConfState(cs raftpb.ConfState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confState = *proto.Clone(&cs).(*raftpb.ConfState)
	return s.persistLocked()
}

// ConfState returns the current membership.
func (s *Storage) ConfState() raftpb.ConfState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *proto.Clone(&s.confState).(*raftpb.ConfState)
}

func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lo < s.firstIndexLocked() {
		return nil, raft.ErrCompacted
	}
	if hi > s.lastIndexLocked()+1 {
		return nil, raft.ErrUnavailable
	}
	if len(s.entries) == 0 || lo >= hi {
		return nil, nil
	}
	ents := cloneEntries(s.entries[lo-s.offset : hi-s.offset])
	return limitSize(ents, maxSize), nil
}

func (s *Storage) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.termLocked(i)
}

func (s *Storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndexLocked(), nil
}

func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndexLocked(), nil
}

func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snapshot), nil
}

// ApplySnapshot replaces the log with a snapshot received from the leader.
func (s *Storage) ApplySnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Metadata.Index < s.snapshot.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}
	s.snapshot = cloneSnapshot(snap)
	s.confState = snap.Metadata.ConfState
	s.truncateThroughLocked(snap.Metadata.Index)
	return s.persistLocked()
}

// CreateSnapshot records a snapshot at index. Entries are kept until Compact.
func (s *Storage) CreateSnapshot(index uint64, data []byte) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}
	if index > s.lastIndexLocked() {
		return raftpb.Snapshot{}, raft.ErrUnavailable
	}
	term, err := s.termLocked(index)
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	snap := raftpb.Snapshot{
		Data: append([]byte(nil), data...),
		Metadata: raftpb.SnapshotMetadata{
			Index:     index,
			Term:      term,
			ConfState: *proto.Clone(&s.confState).(*raftpb.ConfState),
		},
	}
	s.snapshot = snap
	if err := s.persistLocked(); err != nil {
		return raftpb.Snapshot{}, err
	}
	return cloneSnapshot(snap), nil
}

// Compact discards entries up to and including index.
func (s *Storage) Compact(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.firstIndexLocked()-1 {
		return raft.ErrCompacted
	}
	if index > s.lastIndexLocked() {
		return raft.ErrUnavailable
	}
	s.truncateThroughLocked(index)
	return s.persistLocked()
}

// Append adds entries, overwriting any conflicting suffix.
func (s *Storage) Append(ents []raftpb.Entry) error {
	if len(ents) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.firstIndexLocked()
	if ents[len(ents)-1].Index < first {
		return nil
	}
	if ents[0].Index < first {
		ents = ents[first-ents[0].Index:]
	}
	if len(s.entries) == 0 {
		s.offset = ents[0].Index
		s.entries = cloneEntries(ents)
		return s.persistLocked()
	}
	at := ents[0].Index - s.offset
	if at > uint64(len(s.entries)) {
		return fmt.Errorf("raft storage: gap appending index %d after %d", ents[0].Index, s.lastIndexLocked())
	}
	s.entries = append(s.entries[:at:at], cloneEntries(ents)...)
	return s.persistLocked()
}

func (s *Storage) truncateThroughLocked(index uint64) {
	if len(s.entries) == 0 || index >= s.entries[len(s.entries)-1].Index {
		s.entries = nil
	} else if index >= s.offset {
		s.entries = cloneEntries(s.entries[index+1-s.offset:])
	}
	s.offset = index + 1
}

func (s *Storage) termLocked(i uint64) (uint64, error) {
	if len(s.entries) > 0 && i >= s.offset && i-s.offset < uint64(len(s.entries)) {
		return s.entries[i-s.offset].Term, nil
	}
	switch {
	case i == s.snapshot.Metadata.Index:
		return s.snapshot.Metadata.Term, nil
	case i < s.firstIndexLocked():
		return 0, raft.ErrCompacted
	}
	return 0, raft.ErrUnavailable
}

func (s *Storage) firstIndexLocked() uint64 {
	if len(s.entries) > 0 {
		return s.offset
	}
	return s.snapshot.Metadata.Index + 1
}

func (s *Storage) lastIndexLocked() uint64 {
	if len(s.entries) > 0 {
		return s.entries[len(s.entries)-1].Index
	}
	return s.snapshot.Metadata.Index
}

// File layout: offset, hard state, conf state, snapshot, entry count, entries.
// Messages are length prefixed gogo protobuf.
func (s *Storage) persistLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	err = s.writeLocked(w)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Storage) writeLocked(w io.Writer) error {
	if err := writeUint64(w, s.offset); err != nil {
		return err
	}
	for _, msg := range []proto.Message{&s.hardState, &s.confState, &s.snapshot} {
		if err := writeMessage(w, msg); err != nil {
			return err
		}
	}
	if err := writeUint64(w, uint64(len(s.entries))); err != nil {
		return err
	}
	for i := range s.entries {
		if err := writeMessage(w, &s.entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	if s.offset, err = readUint64(r); err != nil {
		return err
	}
	for _, msg := range []proto.Message{&s.hardState, &s.confState, &s.snapshot} {
		if err := readMessage(r, msg); err != nil {
			return err
		}
	}
	count, err := readUint64(r)
	if err != nil {
		return err
	}
	s.entries = make([]raftpb.Entry, count)
	for i := range s.entries {
		if err := readMessage(r, &s.entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeMessage(w io.Writer, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readMessage(r io.Reader, msg proto.Message) error {
	size, err := readUint64(r)
	if err != nil {
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return proto.Unmarshal(data, msg)
}

func cloneEntries(entries []raftpb.Entry) []raftpb.Entry {
	if len(entries) == 0 {
		return nil
	}
	cp := make([]raftpb.Entry, len(entries))
	for i := range entries {
		cp[i] = entries[i]
		cp[i].Data = append([]byte(nil), entries[i].Data...)
	}
	return cp
}

func limitSize(entries []raftpb.Entry, maxSize uint64) []raftpb.Entry {
	if maxSize == 0 || len(entries) == 0 {
		return entries
	}
	size := uint64(entries[0].Size())
	for i := 1; i < len(entries); i++ {
		size += uint64(entries[i].Size())
		if size > maxSize {
			return entries[:i]
		}
	}
	return entries
}

func cloneSnapshot(snap raftpb.Snapshot) raftpb.Snapshot {
	cp := snap
	cp.Data = append([]byte(nil), snap.Data...)
	return cp
}
