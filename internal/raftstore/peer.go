package raftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrGroupStopped fails proposals still pending when a group stops.
var ErrGroupStopped = errors.New("raftstore: group stopped")

// Proposal envelope: the proposing store and its local sequence identify
// the callback to resolve once the entry is applied.
const (
	fieldProposer protowire.Number = 1
	fieldSeq      protowire.Number = 2
	fieldBatch    protowire.Number = 3
)

type proposal struct {
	proposer uint64
	seq      uint64
	batch    []byte
}

func encodeProposal(p proposal) []byte {
	b := make([]byte, 0, len(p.batch)+24)
	b = protowire.AppendTag(b, fieldProposer, protowire.VarintType)
	b = protowire.AppendVarint(b, p.proposer)
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, p.seq)
	b = protowire.AppendTag(b, fieldBatch, protowire.BytesType)
	return protowire.AppendBytes(b, p.batch)
}

func decodeProposal(b []byte) (proposal, error) {
	var p proposal
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == fieldProposer || num == fieldSeq):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return p, protowire.ParseError(m)
			}
			if num == fieldProposer {
				p.proposer = v
			} else {
				p.seq = v
			}
			b = b[m:]
		case typ == protowire.BytesType && num == fieldBatch:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return p, protowire.ParseError(m)
			}
			p.batch = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return p, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return p, nil
}

// peer is the local replica of one region's raft group.
type peer struct {
	regionID region.ID
	id       uint64
	node     raft.Node
	storage  *Storage
	store    *Store
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[uint64]func(error)
	seq     atomic.Uint64
	applied atomic.Uint64

	stopc    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (p *peer) IsLeader() bool {
	return p.node.Status().Lead == p.id
}

func (p *peer) LeaderID() uint64 {
	return p.node.Status().Lead
}

func (p *peer) start(tick time.Duration) {
	go p.run(tick)
}

func (p *peer) stop() {
	p.stopOnce.Do(func() { close(p.stopc) })
	<-p.done
}

func (p *peer) run(tick time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.node.Tick()
		case rd := <-p.node.Ready():
			if err := p.handleReady(rd); err != nil {
				p.logger.Error("handle raft ready failed", zap.Error(err))
			}
			p.node.Advance()
		case <-p.stopc:
			p.node.Stop()
			p.failPending(ErrGroupStopped)
			return
		}
	}
}

func (p *peer) handleReady(rd raft.Ready) error {
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := p.storage.ApplySnapshot(rd.Snapshot); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
		p.applied.Store(rd.Snapshot.Metadata.Index)
		p.logger.Info("raft snapshot installed", zap.Uint64("index", rd.Snapshot.Metadata.Index))
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := p.storage.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("persist hard state: %w", err)
		}
	}
	if err := p.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}
	if len(rd.Messages) > 0 {
		if err := p.store.transport.Send(p.regionID, rd.Messages); err != nil {
			p.logger.Debug("send raft messages failed", zap.Error(err))
		}
	}
	for _, entry := range rd.CommittedEntries {
		p.apply(entry)
		p.applied.Store(entry.Index)
	}
	return nil
}

func (p *peer) apply(entry raftpb.Entry) {
	switch entry.Type {
	case raftpb.EntryNormal:
		if len(entry.Data) == 0 {
			return
		}
		prop, err := decodeProposal(entry.Data)
		if err != nil {
			p.logger.Error("decode proposal failed", zap.Uint64("index", entry.Index), zap.Error(err))
			return
		}
		err = p.applyBatch(prop.batch)
		if err != nil {
			p.logger.Warn("apply entry failed", zap.Uint64("index", entry.Index), zap.Error(err))
		}
		if prop.proposer == p.store.cfg.StoreID {
			p.resolve(prop.seq, err)
		}
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			p.logger.Error("decode conf change failed", zap.Error(err))
			return
		}
		p.applyConfChange(cc.AsV2())
	case raftpb.EntryConfChangeV2:
		var cc raftpb.ConfChangeV2
		if err := cc.Unmarshal(entry.Data); err != nil {
			p.logger.Error("decode conf change failed", zap.Error(err))
			return
		}
		p.applyConfChange(cc)
	}
}

func (p *peer) applyBatch(data []byte) error {
	batch, err := engine.DecodeWriteBatch(data)
	if err != nil {
		return err
	}
	return p.store.raw.Write(context.Background(), p.regionID, batch)
}

func (p *peer) applyConfChange(cc raftpb.ConfChangeV2) {
	if len(cc.Context) > 0 {
		var addrs map[uint64]string
		if err := json.Unmarshal(cc.Context, &addrs); err == nil {
			for id, addr := range addrs {
				if id != p.id {
					p.store.transport.AddPeer(id, addr)
				}
			}
		}
	}
	cs := p.node.ApplyConfChange(cc)
	if cs == nil {
		return
	}
	if err := p.storage.SetConfState(*cs); err != nil {
		p.logger.Error("persist conf state failed", zap.Error(err))
	}
	for _, c := range cc.Changes {
		if c.Type == raftpb.ConfChangeRemoveNode && c.NodeID != p.id {
			p.store.transport.RemovePeer(c.NodeID)
		}
	}
	p.logger.Info("raft membership changed", zap.Uint64s("voters", cs.Voters), zap.Uint64s("learners", cs.Learners))
}

func (p *peer) propose(ctx context.Context, batch *engine.WriteBatch, cb func(error)) error {
	data, err := batch.Encode()
	if err != nil {
		return err
	}
	seq := p.seq.Add(1)
	if cb != nil {
		p.mu.Lock()
		p.pending[seq] = cb
		p.mu.Unlock()
	}
	err = p.node.Propose(ctx, encodeProposal(proposal{proposer: p.store.cfg.StoreID, seq: seq, batch: data}))
	if err != nil {
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *peer) resolve(seq uint64, err error) {
	p.mu.Lock()
	cb, ok := p.pending[seq]
	delete(p.pending, seq)
	p.mu.Unlock()
	if ok {
		cb(err)
	}
}

func (p *peer) failPending(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[uint64]func(error))
	p.mu.Unlock()
	for _, cb := range pending {
		cb(err)
	}
}
