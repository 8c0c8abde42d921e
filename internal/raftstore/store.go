// Package raftstore replicates region data through one etcd raft group per
// region. Committed entries are applied to the raw engine in log order.
package raftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"nyxkv/internal/engine"
	"nyxkv/internal/logging"
	"nyxkv/internal/region"
	"nyxkv/internal/regionctl"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"
)

// ErrGroupNotFound is returned for regions without a local raft group.
var ErrGroupNotFound = errors.New("raftstore: raft group not found")

// Config tunes the raft groups hosted by a store.
type Config struct {
	StoreID uint64
	// Dir holds one raft log directory per region.
	Dir           string
	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int
	// SnapshotCatchUpEntries is the number of entries kept behind a snapshot
	// so slow followers can catch up without a snapshot transfer.
	SnapshotCatchUpEntries uint64
}

// DefaultConfig returns settings matching etcd's defaults.
func DefaultConfig(storeID uint64, dir string) Config {
	return Config{
		StoreID:                storeID,
		Dir:                    dir,
		TickInterval:           100 * time.Millisecond,
		ElectionTick:           10,
		HeartbeatTick:          1,
		SnapshotCatchUpEntries: 5000,
	}
}

func (c *Config) normalize() {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = 1
	}
	if c.ElectionTick <= c.HeartbeatTick {
		c.ElectionTick = 10 * c.HeartbeatTick
	}
}

// RawEngine is the local storage the raft groups apply into.
type RawEngine interface {
	Write(ctx context.Context, id region.ID, batch *engine.WriteBatch) error
	AsyncWrite(ctx context.Context, id region.ID, batch *engine.WriteBatch, cb func(error)) error
	DeleteRange(ctx context.Context, kr region.KeyRange) error
	Snapshot(ctx context.Context, id region.ID) error
	SnapshotDir(id region.ID) string
}

// Store hosts the raft groups of every local region.
type Store struct {
	cfg        Config
	raw        RawEngine
	transport  Transport
	logger     *zap.Logger
	raftLogger raft.Logger

	mu    sync.RWMutex
	peers map[region.ID]*peer
}

var (
	_ regionctl.Engine                  = (*Store)(nil)
	_ regionctl.ReplicatedGroupProvider = (*Store)(nil)
	_ MessageStepper                    = (*Store)(nil)
)

// New builds a store. A nil transport only supports single replica groups.
func New(cfg Config, raw RawEngine, transport Transport, logger *zap.Logger) (*Store, error) {
	if raw == nil {
		return nil, fmt.Errorf("raftstore: raw engine is required")
	}
	if cfg.StoreID == 0 {
		return nil, fmt.Errorf("raftstore: store id is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("raftstore: raft dir is required")
	}
	cfg.normalize()
	if transport == nil {
		transport = NewNoopTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("raftstore")
	return &Store{
		cfg:        cfg,
		raw:        raw,
		transport:  transport,
		logger:     logger,
		raftLogger: logging.NewRaftLogger(logger.Named("raft")),
		peers:      make(map[region.ID]*peer),
	}, nil
}

// Restore restarts the groups of regions recovered from metadata.
func (s *Store) Restore(ctx context.Context, regions []region.Region) error {
	var errs []error
	for _, r := range regions {
		switch r.State {
		case region.StateNormal, region.StateStandby, region.StateSplitting:
			if err := s.AddGroup(ctx, r); err != nil {
				errs = append(errs, fmt.Errorf("region %d: %w", r.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// AddGroup starts the local replica of r. Regions without peers are served
// directly by the raw engine.
func (s *Store) AddGroup(ctx context.Context, r region.Region) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(r.Peers) == 0 {
		s.logger.Debug("region has no peers, skip raft group", zap.Uint64("region", uint64(r.ID)))
		return nil
	}
	local, ok := r.PeerOnStore(s.cfg.StoreID)
	if !ok {
		return fmt.Errorf("region %d has no peer on store %d", r.ID, s.cfg.StoreID)
	}

	s.mu.Lock()
	if _, exists := s.peers[r.ID]; exists {
		s.mu.Unlock()
		return nil
	}

	storage, err := OpenStorage(s.groupDir(r.ID))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	fresh := storage.Empty()
	snap, _ := storage.Snapshot()
	rc := &raft.Config{
		ID:              local.ID,
		ElectionTick:    s.cfg.ElectionTick,
		HeartbeatTick:   s.cfg.HeartbeatTick,
		Storage:         storage,
		Applied:         snap.Metadata.Index,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          s.raftLogger,
	}

	var node raft.Node
	voters := region.Definition{Peers: r.Peers}.Voters()
	if fresh {
		raftPeers := make([]raft.Peer, 0, len(voters))
		for _, v := range voters {
			raftPeers = append(raftPeers, raft.Peer{ID: v.ID})
		}
		if len(raftPeers) == 0 {
			raftPeers = append(raftPeers, raft.Peer{ID: local.ID})
		}
		node = raft.StartNode(rc, raftPeers)
	} else {
		node = raft.RestartNode(rc)
	}
	for _, p := range r.Peers {
		if p.ID != local.ID {
			s.transport.AddPeer(p.ID, p.Address)
		}
	}

	p := &peer{
		regionID: r.ID,
		id:       local.ID,
		node:     node,
		storage:  storage,
		store:    s,
		logger:   s.logger.With(zap.Uint64("region", uint64(r.ID)), zap.Uint64("peer", local.ID)),
		pending:  make(map[uint64]func(error)),
		stopc:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.applied.Store(snap.Metadata.Index)
	s.peers[r.ID] = p
	p.start(s.cfg.TickInterval)
	s.mu.Unlock()

	if len(voters) <= 1 && fresh {
		if err := node.Campaign(ctx); err != nil {
			p.logger.Warn("campaign failed", zap.Error(err))
		}
	}
	p.logger.Info("raft group started", zap.Int("voters", len(voters)))
	return nil
}

// DestroyGroup stops the group and removes its log.
func (s *Store) DestroyGroup(_ context.Context, id region.ID) error {
	p, ok := s.removePeer(id)
	if !ok {
		return nil
	}
	p.stop()
	if err := p.storage.Destroy(); err != nil {
		return fmt.Errorf("destroy raft log of region %d: %w", id, err)
	}
	p.logger.Info("raft group destroyed")
	return nil
}

// StopGroup stops the group but keeps its log on disk.
func (s *Store) StopGroup(_ context.Context, id region.ID) error {
	p, ok := s.removePeer(id)
	if !ok {
		return nil
	}
	p.stop()
	p.logger.Info("raft group stopped")
	return nil
}

func (s *Store) removePeer(id region.ID) (*peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if ok {
		delete(s.peers, id)
	}
	return p, ok
}

func (s *Store) peer(id region.ID) (*peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// ChangeMembership proposes the conf changes turning the current voter set
// into voters. Peer addresses travel in the conf change context.
func (s *Store) ChangeMembership(ctx context.Context, id region.ID, voters []region.Peer) error {
	p, ok := s.peer(id)
	if !ok {
		return fmt.Errorf("%w: region %d", ErrGroupNotFound, id)
	}
	current := make(map[uint64]struct{})
	for _, v := range p.storage.ConfState().Voters {
		current[v] = struct{}{}
	}
	wanted := make(map[uint64]struct{}, len(voters))
	addrs := make(map[uint64]string, len(voters))

	var changes []raftpb.ConfChangeSingle
	for _, v := range voters {
		wanted[v.ID] = struct{}{}
		if v.Address != "" {
			addrs[v.ID] = v.Address
		}
		if _, ok := current[v.ID]; !ok {
			changes = append(changes, raftpb.ConfChangeSingle{Type: raftpb.ConfChangeAddNode, NodeID: v.ID})
		}
	}
	for v := range current {
		if _, ok := wanted[v]; !ok {
			changes = append(changes, raftpb.ConfChangeSingle{Type: raftpb.ConfChangeRemoveNode, NodeID: v})
		}
	}
	if len(changes) == 0 {
		return nil
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].NodeID < changes[j].NodeID })

	data, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	cc := raftpb.ConfChangeV2{Changes: changes, Context: data}
	if err := p.node.ProposeConfChange(ctx, cc); err != nil {
		return fmt.Errorf("propose conf change for region %d: %w", id, err)
	}
	p.logger.Info("membership change proposed", zap.Int("changes", len(changes)))
	return nil
}

// TransferLeadership asks the current leader to hand over to peer.
func (s *Store) TransferLeadership(_ context.Context, id region.ID, target region.Peer) error {
	p, ok := s.peer(id)
	if !ok {
		return fmt.Errorf("%w: region %d", ErrGroupNotFound, id)
	}
	if target.Address != "" && target.ID != p.id {
		s.transport.AddPeer(target.ID, target.Address)
	}
	p.node.TransferLeadership(context.Background(), p.LeaderID(), target.ID)
	return nil
}

// GetNode returns the local member of the region's group.
func (s *Store) GetNode(id region.ID) (regionctl.GroupNode, bool) {
	p, ok := s.peer(id)
	if !ok {
		return nil, false
	}
	return p, true
}

// Step delivers a message received from a remote peer.
func (s *Store) Step(ctx context.Context, id region.ID, msg raftpb.Message) error {
	p, ok := s.peer(id)
	if !ok {
		return fmt.Errorf("%w: region %d", ErrGroupNotFound, id)
	}
	return p.node.Step(ctx, msg)
}

// AsyncWrite proposes batch through the region's group; cb runs once the
// entry is applied locally. Regions without a group write straight to disk.
func (s *Store) AsyncWrite(ctx context.Context, id region.ID, batch *engine.WriteBatch, cb func(error)) error {
	if batch == nil {
		return fmt.Errorf("raftstore: nil batch")
	}
	p, ok := s.peer(id)
	if !ok {
		return s.raw.AsyncWrite(ctx, id, batch, cb)
	}
	return p.propose(ctx, batch, cb)
}

func (s *Store) DeleteRange(ctx context.Context, kr region.KeyRange) error {
	return s.raw.DeleteRange(ctx, kr)
}

// Snapshot checkpoints the region data, records a raft snapshot at the
// applied index and compacts the log behind it.
func (s *Store) Snapshot(ctx context.Context, id region.ID) error {
	if err := s.raw.Snapshot(ctx, id); err != nil {
		return err
	}
	p, ok := s.peer(id)
	if !ok {
		return nil
	}
	applied := p.applied.Load()
	if applied == 0 {
		return nil
	}
	if _, err := p.storage.CreateSnapshot(applied, []byte(s.raw.SnapshotDir(id))); err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return nil
		}
		return fmt.Errorf("create raft snapshot for region %d: %w", id, err)
	}
	if applied > s.cfg.SnapshotCatchUpEntries {
		compactAt := applied - s.cfg.SnapshotCatchUpEntries
		if err := p.storage.Compact(compactAt); err != nil && !errors.Is(err, raft.ErrCompacted) {
			return fmt.Errorf("compact raft log of region %d: %w", id, err)
		}
	}
	p.logger.Debug("raft snapshot recorded", zap.Uint64("index", applied))
	return nil
}

// Groups lists the regions with a running group.
func (s *Store) Groups() []region.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]region.ID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops every group and the transport.
func (s *Store) Close() error {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[region.ID]*peer)
	s.mu.Unlock()
	for _, p := range peers {
		p.stop()
	}
	return s.transport.Close()
}

func (s *Store) groupDir(id region.ID) string {
	return filepath.Join(s.cfg.Dir, "regions", fmt.Sprintf("%d", id))
}
