package regionctl

import (
	"context"
	"testing"
	"time"

	"nyxkv/internal/region"

	"github.com/stretchr/testify/require"
)

func TestSubmitRepeatedCommandIsDuplicate(t *testing.T) {
	h := newHarness(t, &fakeEngine{})

	create := NewCommand(1, 7, &CreateRequest{Definition: definition(7, "a", "m")}, false)
	status, err := h.run(t, create)
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	// A retried push must not be judged against the state it already produced.
	results, err := h.ctl.Submit(context.Background(), []*RegionCommand{
		NewCommand(1, 7, &CreateRequest{Definition: definition(7, "a", "m")}, false),
	})
	require.ErrorIs(t, err, ErrDuplicateCommand)
	require.Equal(t, CodeDuplicateCommand, CodeOf(results[0].Err))
	require.Equal(t, CommandCreate, results[0].Type)

	status, err = h.run(t, NewCommand(2, 7, &DeleteRequest{RegionID: 7}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	_, err = h.ctl.Submit(context.Background(), []*RegionCommand{
		NewCommand(2, 7, &DeleteRequest{RegionID: 7}, false),
	})
	require.ErrorIs(t, err, ErrDuplicateCommand)
}

func TestSubmitRejectsPayloadForAnotherRegion(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng)
	h.addRegion(t, 1, "a", "m", region.StateNormal)
	h.addRegion(t, 2, "m", "", region.StateNormal)
	h.addRegion(t, 3, "", "", region.StateStandby)

	cases := []*RegionCommand{
		NewCommand(1, 1, &ChangePeerRequest{Definition: definition(2, "m", "")}, false),
		NewCommand(2, 1, &SplitRequest{FromRegionID: 2, ToRegionID: 3, WatershedKey: []byte("p")}, false),
		NewCommand(3, 1, &SnapshotRequest{RegionID: 2}, false),
		NewCommand(4, 2, &PurgeRequest{RegionID: 1}, false),
	}
	for _, cmd := range cases {
		_, err := h.run(t, cmd)
		require.ErrorIs(t, err, ErrInvalidParameters, cmd.String())
		require.ErrorIs(t, h.ctl.Dispatch(context.Background(), cmd), ErrInvalidParameters, cmd.String())
	}

	require.Zero(t, h.ledger.Len())
	require.Zero(t, eng.writeCount())
	r, ok := h.registry.GetRegion(2)
	require.True(t, ok)
	require.Equal(t, region.StateNormal, r.State)
	require.Zero(t, r.Epoch.ConfVersion)
}

type panickingEngine struct {
	fakeEngine
}

func (e *panickingEngine) Snapshot(context.Context, region.ID) error {
	panic("snapshot exploded")
}

func TestPanickingTaskIsRecordedAsFailed(t *testing.T) {
	h := newHarness(t, &panickingEngine{})
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	status, err := h.run(t, NewCommand(1, 1, &SnapshotRequest{RegionID: 1}, true))
	require.NoError(t, err)
	require.Equal(t, StatusFail, status)
	require.Eventually(t, func() bool { return h.notifier.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	// The queue keeps serving the region afterwards.
	status, err = h.run(t, NewCommand(2, 1, &DeleteRequest{RegionID: 1}, false))
	require.NoError(t, err)
	require.Equal(t, StatusDone, status)

	cmd, ok := h.ledger.Get(1)
	require.True(t, ok)
	require.Equal(t, StatusFail, cmd.Status)
}
