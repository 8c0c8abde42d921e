package main

import (
	"context"
	"testing"
	"time"

	"nyxkv/internal/config"
	"nyxkv/internal/meta"
	"nyxkv/internal/region"
	"nyxkv/internal/regionctl"
	"nyxkv/internal/regions"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.ServerConfig {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.GRPC.Address = "127.0.0.1:0"
	cfg.Metrics.Address = ""
	cfg.Raft.TickInterval = config.Duration(10 * time.Millisecond)
	require.NoError(t, cfg.Validate())
	return cfg
}

func submit(t *testing.T, n *storeNode, cmd *regionctl.RegionCommand) {
	t.Helper()
	_, err := n.ctl.Submit(context.Background(), []*regionctl.RegionCommand{cmd})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := n.ctl.Ledger().Get(cmd.ID)
		return ok && got.Status == regionctl.StatusDone
	}, 10*time.Second, 10*time.Millisecond, "command %d did not finish", cmd.ID)
}

func waitSplit(t *testing.T, n *storeNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		parent, ok := n.regions.GetRegion(1)
		if !ok || string(parent.Range.End) != "m" || parent.State != region.StateNormal {
			return false
		}
		child, ok := n.regions.GetRegion(2)
		return ok && string(child.Range.Start) == "m" && child.State == region.StateNormal
	}, 10*time.Second, 10*time.Millisecond)
}

func definition(id region.ID, peerID uint64, start, end string) region.Definition {
	return region.Definition{
		ID:    id,
		Range: region.KeyRange{Start: []byte(start), End: []byte(end)},
		Peers: []region.Peer{{ID: peerID, StoreID: 1, Role: region.Voter}},
	}
}

func TestOpenNodeMonoEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Kind = config.EngineMono
	n, err := openNode(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()

	require.Nil(t, n.raft)
	submit(t, n, regionctl.NewCommand(1, 1, &regionctl.CreateRequest{Definition: definition(1, 101, "a", "z")}, false))
	submit(t, n, regionctl.NewCommand(2, 1, &regionctl.SnapshotRequest{RegionID: 1}, false))
}

func TestRestartReplaysCommittedSplit(t *testing.T) {
	cfg := testConfig(t)
	logger := zaptest.NewLogger(t)

	n, err := openNode(cfg, logger)
	require.NoError(t, err)
	submit(t, n, regionctl.NewCommand(1, 1, &regionctl.CreateRequest{Definition: definition(1, 101, "a", "z")}, false))
	submit(t, n, regionctl.NewCommand(2, 2,
		&regionctl.CreateRequest{Definition: definition(2, 102, "m", "z"), SplitFromRegionID: 1}, false))
	require.Eventually(t, func() bool {
		node, ok := n.raft.GetNode(1)
		return ok && node.IsLeader()
	}, 10*time.Second, 10*time.Millisecond)
	submit(t, n, regionctl.NewCommand(3, 1,
		&regionctl.SplitRequest{FromRegionID: 1, ToRegionID: 2, WatershedKey: []byte("m")}, false))
	waitSplit(t, n)
	n.Close()

	// Roll the registry back to the moment the split record was committed
	// but not yet applied.
	ms, err := meta.Open(cfg.MetaDir())
	require.NoError(t, err)
	mgr := regions.NewManager(ms, logger)
	require.NoError(t, mgr.Load())
	require.NoError(t, mgr.UpdateRange(1, region.KeyRange{Start: []byte("a"), End: []byte("z")}))
	require.NoError(t, mgr.UpdateState(2, region.StateStandby))
	require.NoError(t, ms.Close())

	n, err = openNode(cfg, logger)
	require.NoError(t, err)
	defer n.Close()
	waitSplit(t, n)
}
