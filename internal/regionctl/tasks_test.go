package regionctl

import (
	"context"
	"testing"
	"time"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"

	"github.com/stretchr/testify/require"
)

// run submits cmd through prevalidation and dispatch, then waits for it.
func (h *harness) run(t *testing.T, cmd *RegionCommand) (CommandStatus, error) {
	t.Helper()
	results, err := h.ctl.Submit(context.Background(), []*RegionCommand{cmd})
	require.Len(t, results, 1)
	if err != nil {
		return StatusNone, err
	}
	return h.waitStatus(t, cmd.ID), nil
}

func TestCreateTask(t *testing.T) {
	h := newHarness(t, &fakeEngine{})

	status, err := h.run(t, NewCommand(1, 7, &CreateRequest{Definition: definition(7, "a", "m")}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	require.Equal(t, region.StateNormal, h.state(t, 7))
	require.Contains(t, h.ctl.GetAllRegion(), region.ID(7))

	_, err = h.run(t, NewCommand(2, 7, &CreateRequest{Definition: definition(7, "a", "m")}, false))
	require.ErrorIs(t, err, ErrRegionExists)

	_, err = h.run(t, NewCommand(3, 8, &CreateRequest{Definition: definition(9, "a", "m")}, false))
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestCreateTaskSplitChildIsStandby(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	status, err := h.run(t, NewCommand(1, 8, &CreateRequest{Definition: definition(8, "g", "m"), SplitFromRegionID: 7}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	require.Equal(t, region.StateStandby, h.state(t, 8))
}

func TestCreateTaskResumesRegionLeftNew(t *testing.T) {
	eng := newFakeRaftEngine()
	h := newHarness(t, eng)
	require.NoError(t, h.registry.AddRegion(&region.Region{ID: 3, State: region.StateNew}))

	status, err := h.run(t, NewCommand(1, 3, &CreateRequest{Definition: definition(3, "", "")}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	require.Equal(t, region.StateNormal, h.state(t, 3))
	require.Equal(t, []region.ID{3}, eng.added)
}

func TestDeleteTask(t *testing.T) {
	eng := newFakeRaftEngine()
	h := newHarness(t, eng)
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	status, err := h.run(t, NewCommand(1, 1, &DeleteRequest{RegionID: 1}, true))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	_, ok := h.registry.GetRegion(1)
	require.False(t, ok)
	require.Equal(t, []region.KeyRange{{Start: []byte("a"), End: []byte("m")}}, eng.deleted)
	require.Equal(t, []region.ID{1}, eng.destroyed)
	require.Equal(t, 1, h.notifier.count())

	// The synthetic DESTROY_EXECUTOR tears down the region queue.
	require.Eventually(t, func() bool { return len(h.ctl.GetAllRegion()) == 0 }, 5*time.Second, 5*time.Millisecond)
	var destroy *RegionCommand
	for _, c := range h.ledger.ListAll() {
		if c.Type == CommandDestroyExecutor {
			destroy = c
		}
	}
	require.NotNil(t, destroy)
	require.False(t, destroy.Notify)
	require.Equal(t, StatusDone, h.waitStatus(t, destroy.ID))

	// A second DELETE fails cleanly.
	_, err = h.run(t, NewCommand(2, 1, &DeleteRequest{RegionID: 1}, false))
	require.ErrorIs(t, err, ErrRegionNotFound)
}

func TestDeleteTaskRejectedStates(t *testing.T) {
	cases := []struct {
		state region.State
		want  error
	}{
		{region.StateSplitting, ErrRegionStateInvalid},
		{region.StateMerging, ErrRegionStateInvalid},
		{region.StateDeleting, ErrRegionDeleting},
		{region.StateDeleted, ErrRegionDeleting},
	}
	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			h := newHarness(t, &fakeEngine{})
			h.addRegion(t, 1, "a", "m", tc.state)

			_, err := h.run(t, NewCommand(1, 1, &DeleteRequest{RegionID: 1}, false))
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, tc.state, h.state(t, 1))
		})
	}

	h := newHarness(t, &fakeEngine{})
	_, err := h.run(t, NewCommand(1, 5, &DeleteRequest{RegionID: 5}, false))
	require.ErrorIs(t, err, ErrRegionNotFound)
}

func TestDeleteTaskEngineFailure(t *testing.T) {
	eng := &fakeEngine{deleteErr: errBoom}
	h := newHarness(t, eng)
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	status, err := h.run(t, NewCommand(1, 1, &DeleteRequest{RegionID: 1}, false))
	require.NoError(t, err)
	require.Equal(t, StatusFail, status)
	require.Equal(t, region.StateDeleting, h.state(t, 1))
}

func TestSplitTaskValidation(t *testing.T) {
	split := func(id uint64, key string) *RegionCommand {
		return NewCommand(id, 1, &SplitRequest{FromRegionID: 1, ToRegionID: 2, WatershedKey: []byte(key)}, false)
	}

	h := newHarness(t, &fakeEngine{})
	h.addRegion(t, 1, "b", "m", region.StateNormal)

	_, err := h.run(t, split(1, "g"))
	require.ErrorIs(t, err, ErrRegionNotFound, "child missing")

	h.addRegion(t, 2, "", "", region.StateStandby)
	for i, key := range []string{"b", "a", "m", "z"} {
		_, err := h.run(t, split(uint64(10+i), key))
		require.ErrorIs(t, err, ErrKeyInvalid, "key %q", key)
	}

	for _, tc := range []struct {
		state region.State
		want  error
	}{
		{region.StateSplitting, ErrRegionSplitting},
		{region.StateNew, ErrRegionStateInvalid},
		{region.StateMerging, ErrRegionStateInvalid},
		{region.StateDeleting, ErrRegionStateInvalid},
		{region.StateDeleted, ErrRegionStateInvalid},
	} {
		require.NoError(t, h.registry.UpdateState(1, tc.state))
		_, err := h.run(t, split(20, "g"))
		require.ErrorIs(t, err, tc.want, tc.state.String())
	}
}

func TestSplitTaskRequiresLeadership(t *testing.T) {
	eng := newFakeRaftEngine()
	h := newHarness(t, eng)
	h.addRegion(t, 1, "a", "m", region.StateNormal)
	h.addRegion(t, 2, "", "", region.StateStandby)
	cmd := func(id uint64) *RegionCommand {
		return NewCommand(id, 1, &SplitRequest{FromRegionID: 1, ToRegionID: 2, WatershedKey: []byte("g")}, false)
	}

	_, err := h.run(t, cmd(1))
	require.ErrorIs(t, err, ErrRaftNodeNotFound)

	eng.setNode(1, fakeNode{leader: false, leaderID: 9})
	_, err = h.run(t, cmd(2))
	require.ErrorIs(t, err, ErrNotLeader)
	require.Contains(t, MessageOf(err), "9")

	eng.setNode(1, fakeNode{leader: true, leaderID: 1})
	status, err := h.run(t, cmd(3))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	require.Equal(t, 1, eng.writeCount())

	eng.mu.Lock()
	batch := eng.writes[0]
	eng.mu.Unlock()
	require.Len(t, batch.Mutations, 1)
	require.Equal(t, engine.MutationSplit, batch.Mutations[0].Kind)
	require.Equal(t, []byte("g"), batch.Mutations[0].Split.SplitKey)
}

func TestSplitApplierRewritesRanges(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng)
	eng.onWrite = func(id region.ID, batch *engine.WriteBatch) error {
		for _, m := range batch.Mutations {
			if m.Kind == engine.MutationSplit {
				if err := h.ctl.SplitApplier().ApplySplit(context.Background(), id, *m.Split); err != nil {
					return err
				}
			}
		}
		return nil
	}

	_, err := h.run(t, NewCommand(1, 1, &CreateRequest{Definition: definition(1, "a", "")}, false))
	require.NoError(t, err)
	_, err = h.run(t, NewCommand(2, 2, &CreateRequest{Definition: definition(2, "", ""), SplitFromRegionID: 1}, false))
	require.NoError(t, err)

	status, err := h.run(t, NewCommand(3, 1, &SplitRequest{FromRegionID: 1, ToRegionID: 2, WatershedKey: []byte("k")}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	parent, _ := h.registry.GetRegion(1)
	child, _ := h.registry.GetRegion(2)
	require.Equal(t, region.StateNormal, parent.State)
	require.Equal(t, region.StateNormal, child.State)
	require.Equal(t, []byte("a"), parent.Range.Start)
	require.Equal(t, []byte("k"), parent.Range.End)
	require.Equal(t, []byte("k"), child.Range.Start)
	require.Empty(t, child.Range.End)
	require.Equal(t, uint64(1), parent.Epoch.Version)

	eng.mu.Lock()
	require.ElementsMatch(t, []region.ID{1, 2}, eng.snapshots)
	eng.mu.Unlock()
	require.Equal(t, 1, h.notifier.count())
}

func TestSplitApplierRequiresStandbyChild(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	h.addRegion(t, 1, "a", "m", region.StateNormal)
	h.addRegion(t, 2, "", "", region.StateNormal)

	err := h.ctl.SplitApplier().ApplySplit(context.Background(), 1, engine.SplitDatum{FromRegionID: 1, ToRegionID: 2, SplitKey: []byte("g")})
	require.ErrorIs(t, err, ErrRegionStateInvalid)
	require.Equal(t, region.StateNormal, h.state(t, 1))
}

func TestChangePeerTask(t *testing.T) {
	eng := newFakeRaftEngine()
	h := newHarness(t, eng)
	h.addRegion(t, 1, "a", "m", region.StateNormal)
	eng.setNode(1, fakeNode{leader: true, leaderID: 11})

	def := definition(1, "a", "m",
		region.Peer{ID: 11, StoreID: 1, Role: region.Voter},
		region.Peer{ID: 12, StoreID: 2, Role: region.Voter},
		region.Peer{ID: 13, StoreID: 3, Role: region.Learner},
	)
	status, err := h.run(t, NewCommand(1, 1, &ChangePeerRequest{Definition: def}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	eng.gmu.Lock()
	voters := eng.memberships[1]
	eng.gmu.Unlock()
	require.Len(t, voters, 2)

	r, _ := h.registry.GetRegion(1)
	require.Len(t, r.Peers, 3)
	require.Equal(t, uint64(1), r.Epoch.ConfVersion)

	require.NoError(t, h.registry.UpdateState(1, region.StateSplitting))
	_, err = h.run(t, NewCommand(2, 1, &ChangePeerRequest{Definition: def}, false))
	require.ErrorIs(t, err, ErrRegionStateInvalid)

	_, err = h.run(t, NewCommand(3, 4, &ChangePeerRequest{Definition: definition(4, "", "")}, false))
	require.ErrorIs(t, err, ErrRegionNotFound)
}

func TestTransferLeaderTask(t *testing.T) {
	eng := newFakeRaftEngine()
	h := newHarness(t, eng)
	h.addRegion(t, 1, "a", "m", region.StateNormal)
	transfer := func(id uint64, peer region.Peer) *RegionCommand {
		return NewCommand(id, 1, &TransferLeaderRequest{Peer: peer}, false)
	}

	_, err := h.run(t, transfer(1, region.Peer{ID: 11, StoreID: 1, Address: "10.0.0.1:7000"}))
	require.ErrorIs(t, err, ErrAlreadyLeader)

	for i, addr := range []string{"", "0.0.0.0:7000", ":7000"} {
		_, err := h.run(t, transfer(uint64(10+i), region.Peer{ID: 12, StoreID: 2, Address: addr}))
		require.ErrorIs(t, err, ErrInvalidParameters, "address %q", addr)
	}

	target := region.Peer{ID: 12, StoreID: 2, Address: "10.0.0.2:7000"}
	status, err := h.run(t, transfer(20, target))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	require.Equal(t, []region.Peer{target}, eng.transfers)

	require.NoError(t, h.registry.UpdateState(1, region.StateStandby))
	_, err = h.run(t, transfer(21, target))
	require.ErrorIs(t, err, ErrRegionStateInvalid)
}

func TestSnapshotTask(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng)
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	status, err := h.run(t, NewCommand(1, 1, &SnapshotRequest{RegionID: 1}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	eng.mu.Lock()
	eng.snapshotErr = errBoom
	eng.mu.Unlock()
	status, err = h.run(t, NewCommand(2, 1, &SnapshotRequest{RegionID: 1}, false))
	require.NoError(t, err)
	require.Equal(t, StatusFail, status)

	_, err = h.run(t, NewCommand(3, 9, &SnapshotRequest{RegionID: 9}, false))
	require.ErrorIs(t, err, ErrRegionNotFound)
}

func TestPurgeTask(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	_, err := h.run(t, NewCommand(1, 1, &PurgeRequest{RegionID: 1}, false))
	require.ErrorIs(t, err, ErrRegionNotDeleted)
	_, ok := h.registry.GetRegion(1)
	require.True(t, ok)

	require.NoError(t, h.registry.UpdateState(1, region.StateDeleted))
	h.ctl.UnRegisterExecutor(1)
	status, err := h.run(t, NewCommand(2, 1, &PurgeRequest{RegionID: 1}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	_, ok = h.registry.GetRegion(1)
	require.False(t, ok)

	_, err = h.run(t, NewCommand(3, 1, &PurgeRequest{RegionID: 1}, false))
	require.ErrorIs(t, err, ErrRegionNotFound)
}

func TestStopTask(t *testing.T) {
	eng := newFakeRaftEngine()
	h := newHarness(t, eng)
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	_, err := h.run(t, NewCommand(1, 1, &StopRequest{RegionID: 1}, false))
	require.ErrorIs(t, err, ErrRegionStateInvalid)

	require.NoError(t, h.registry.UpdateState(1, region.StateOrphan))
	status, err := h.run(t, NewCommand(2, 1, &StopRequest{RegionID: 1}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	require.Equal(t, []region.ID{1}, eng.stopped)
	require.Equal(t, region.StateOrphan, h.state(t, 1))
}

func TestDestroyExecutorTaskIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	require.NoError(t, h.ctl.RegisterExecutor(5))

	for id := uint64(1); id <= 2; id++ {
		status, err := h.run(t, NewCommand(id, 5, &DestroyExecutorRequest{RegionID: 5}, false))
		require.NoError(t, err)
		require.Equal(t, StatusDone, status)
	}
	require.Empty(t, h.ctl.GetAllRegion())
}

func TestRegionLifecycleEndToEnd(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng)
	// The replicated write path accepts the split and leaves the parent
	// SPLITTING until the split is applied.
	eng.onWrite = func(id region.ID, batch *engine.WriteBatch) error {
		return h.registry.UpdateState(id, region.StateSplitting)
	}

	status, err := h.run(t, NewCommand(1, 1, &CreateRequest{Definition: definition(1, "a", "m")}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	require.Equal(t, region.StateNormal, h.state(t, 1))

	status, err = h.run(t, NewCommand(2, 2, &CreateRequest{Definition: definition(2, "g", "m"), SplitFromRegionID: 1}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	status, err = h.run(t, NewCommand(3, 1, &SplitRequest{FromRegionID: 1, ToRegionID: 2, WatershedKey: []byte("g")}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)
	require.Equal(t, region.StateSplitting, h.state(t, 1))

	_, err = h.run(t, NewCommand(4, 1, &DeleteRequest{RegionID: 1}, false))
	require.ErrorIs(t, err, ErrRegionStateInvalid)
	require.Equal(t, region.StateSplitting, h.state(t, 1))

	_, err = h.run(t, NewCommand(5, 1, &PurgeRequest{RegionID: 1}, false))
	require.ErrorIs(t, err, ErrRegionNotDeleted)
	_, ok := h.registry.GetRegion(1)
	require.True(t, ok)
}
