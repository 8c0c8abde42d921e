package regionctl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"
	"nyxkv/internal/regions"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeEngine struct {
	mu          sync.Mutex
	deleted     []region.KeyRange
	snapshots   []region.ID
	writes      []*engine.WriteBatch
	deleteErr   error
	snapshotErr error
	// onWrite runs synchronously inside AsyncWrite when set.
	onWrite func(id region.ID, batch *engine.WriteBatch) error
}

func (e *fakeEngine) DeleteRange(_ context.Context, kr region.KeyRange) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleteErr != nil {
		return e.deleteErr
	}
	e.deleted = append(e.deleted, kr.Clone())
	return nil
}

func (e *fakeEngine) Snapshot(_ context.Context, id region.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshotErr != nil {
		return e.snapshotErr
	}
	e.snapshots = append(e.snapshots, id)
	return nil
}

func (e *fakeEngine) AsyncWrite(_ context.Context, id region.ID, batch *engine.WriteBatch, cb func(error)) error {
	e.mu.Lock()
	e.writes = append(e.writes, batch)
	hook := e.onWrite
	e.mu.Unlock()
	var err error
	if hook != nil {
		err = hook(id, batch)
	}
	if cb != nil {
		cb(err)
	}
	return nil
}

func (e *fakeEngine) writeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.writes)
}

type fakeNode struct {
	leader   bool
	leaderID uint64
}

func (n fakeNode) IsLeader() bool   { return n.leader }
func (n fakeNode) LeaderID() uint64 { return n.leaderID }

// fakeRaftEngine adds replication group operations to fakeEngine.
type fakeRaftEngine struct {
	fakeEngine

	gmu         sync.Mutex
	nodes       map[region.ID]fakeNode
	added       []region.ID
	destroyed   []region.ID
	stopped     []region.ID
	memberships map[region.ID][]region.Peer
	transfers   []region.Peer
}

func newFakeRaftEngine() *fakeRaftEngine {
	return &fakeRaftEngine{
		nodes:       make(map[region.ID]fakeNode),
		memberships: make(map[region.ID][]region.Peer),
	}
}

func (e *fakeRaftEngine) AddGroup(_ context.Context, r region.Region) error {
	e.gmu.Lock()
	defer e.gmu.Unlock()
	e.added = append(e.added, r.ID)
	if _, ok := e.nodes[r.ID]; !ok {
		e.nodes[r.ID] = fakeNode{leader: true, leaderID: 1}
	}
	return nil
}

func (e *fakeRaftEngine) DestroyGroup(_ context.Context, id region.ID) error {
	e.gmu.Lock()
	defer e.gmu.Unlock()
	e.destroyed = append(e.destroyed, id)
	delete(e.nodes, id)
	return nil
}

func (e *fakeRaftEngine) StopGroup(_ context.Context, id region.ID) error {
	e.gmu.Lock()
	defer e.gmu.Unlock()
	e.stopped = append(e.stopped, id)
	return nil
}

func (e *fakeRaftEngine) ChangeMembership(_ context.Context, id region.ID, voters []region.Peer) error {
	e.gmu.Lock()
	defer e.gmu.Unlock()
	e.memberships[id] = voters
	return nil
}

func (e *fakeRaftEngine) TransferLeadership(_ context.Context, _ region.ID, peer region.Peer) error {
	e.gmu.Lock()
	defer e.gmu.Unlock()
	e.transfers = append(e.transfers, peer)
	return nil
}

func (e *fakeRaftEngine) GetNode(id region.ID) (GroupNode, bool) {
	e.gmu.Lock()
	defer e.gmu.Unlock()
	n, ok := e.nodes[id]
	return n, ok
}

func (e *fakeRaftEngine) setNode(id region.ID, n fakeNode) {
	e.gmu.Lock()
	e.nodes[id] = n
	e.gmu.Unlock()
}

type countingNotifier struct {
	mu    sync.Mutex
	calls []region.ID
}

func (n *countingNotifier) TriggerStoreHeartbeat(id region.ID) {
	n.mu.Lock()
	n.calls = append(n.calls, id)
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type harness struct {
	ctl      *Controller
	ledger   *Ledger
	registry *regions.Manager
	notifier *countingNotifier
}

func newHarness(t *testing.T, eng Engine, mutate ...func(*Deps)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		ledger:   NewLedger(nil, logger),
		registry: regions.NewManager(nil, logger),
		notifier: &countingNotifier{},
	}
	deps := Deps{
		StoreID:  1,
		Ledger:   h.ledger,
		Registry: h.registry,
		Engine:   eng,
		Notifier: h.notifier,
		Logger:   logger,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	ctl, err := NewController(deps)
	require.NoError(t, err)
	require.NoError(t, ctl.Init())
	t.Cleanup(ctl.Destroy)
	h.ctl = ctl
	return h
}

func (h *harness) addRegion(t *testing.T, id region.ID, start, end string, state region.State) {
	t.Helper()
	r := &region.Region{
		ID:    id,
		Range: region.KeyRange{Start: []byte(start), End: []byte(end)},
		State: state,
	}
	require.NoError(t, h.registry.AddRegion(r))
	require.NoError(t, h.ctl.RegisterExecutor(id))
}

func (h *harness) state(t *testing.T, id region.ID) region.State {
	t.Helper()
	r, ok := h.registry.GetRegion(id)
	require.True(t, ok, "region %d missing", id)
	return r.State
}

// waitStatus blocks until command id reaches a terminal status.
func (h *harness) waitStatus(t *testing.T, id uint64) CommandStatus {
	t.Helper()
	var status CommandStatus
	require.Eventually(t, func() bool {
		cmd, ok := h.ledger.Get(id)
		if !ok {
			return false
		}
		status = cmd.Status
		return status.Terminal()
	}, 5*time.Second, 5*time.Millisecond, "command %d never finished", id)
	return status
}

func definition(id region.ID, start, end string, peers ...region.Peer) region.Definition {
	return region.Definition{
		ID:    id,
		Range: region.KeyRange{Start: []byte(start), End: []byte(end)},
		Peers: peers,
	}
}

var errBoom = errors.New("boom")
