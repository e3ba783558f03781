package metaserver

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"dfs/pkg/config"
	"dfs/pkg/controlplane"
	"dfs/pkg/datanode"
	"dfs/pkg/dfserr"
	"dfs/pkg/dnrpc"
	"dfs/pkg/metastore"
	"dfs/pkg/rpcjson"
	"dfs/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	store, err := metastore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.MetadataConfig{ReplicationFactor: 2, HeartbeatInterval: 5 * time.Second, HeartbeatMissThreshold: 3}
	return New(store, cfg, zap.NewNop())
}

func registerNode(t *testing.T, m *Manager, id string, available int64) {
	t.Helper()
	err := m.RegisterDataNode(controlplane.RegisterDataNodeRequest{
		NodeID:         types.NodeID(id),
		Hostname:       "localhost",
		Port:           9000,
		TotalCapacity:  1 << 30,
		AvailableSpace: available,
	})
	require.NoError(t, err)
}

func TestMkdirAndLs(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Mkdir("/data", "alice")
	require.NoError(t, err)

	_, err = m.Mkdir("/data", "alice")
	assert.Equal(t, dfserr.AlreadyExists, dfserr.KindOf(err))

	_, err = m.Mkdir("/data/nested", "alice")
	require.NoError(t, err)

	children, err := m.Ls("/data")
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/nested"}, children)

	_, err = m.Mkdir("/missing-parent/child", "alice")
	assert.Equal(t, dfserr.NotFound, dfserr.KindOf(err))
}

func TestRmdirRejectsNonEmpty(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Mkdir("/data", "alice")
	require.NoError(t, err)
	_, err = m.Mkdir("/data/child", "alice")
	require.NoError(t, err)

	_, err = m.Rmdir("/data", false)
	assert.Equal(t, dfserr.InvariantViolation, dfserr.KindOf(err))

	_, err = m.Rmdir("/data/child", false)
	require.NoError(t, err)
	_, err = m.Rmdir("/data", false)
	require.NoError(t, err)
}

func TestRmdirRecursiveDeletesChildren(t *testing.T) {
	m := newTestManager(t)
	registerNode(t, m, "node-a", 10<<20)
	registerNode(t, m, "node-b", 10<<20)

	_, err := m.Mkdir("/data", "alice")
	require.NoError(t, err)
	_, err = m.Mkdir("/data/nested", "alice")
	require.NoError(t, err)

	allocResp, err := m.AllocateBlock(controlplane.AllocateBlockRequest{
		FileID: controlplane.FileRef{Path: "/data/nested/f.txt", Owner: "alice"},
		Index:  0,
		Size:   4096,
	})
	require.NoError(t, err)
	require.NoError(t, m.CommitBlock(controlplane.CommitBlockRequest{
		FileID: allocResp.File.ID, BlockID: allocResp.Block.ID, NodeID: allocResp.Nodes[0].ID, Checksum: "abc", IsLeader: true,
	}))

	_, err = m.Rmdir("/data", false)
	assert.Equal(t, dfserr.InvariantViolation, dfserr.KindOf(err))

	removed, err := m.Rmdir("/data", true)
	require.NoError(t, err)
	assert.Contains(t, removed, allocResp.Block.ID)

	_, err = m.GetFileByPath("/data/nested/f.txt")
	assert.Equal(t, dfserr.NotFound, dfserr.KindOf(err))
	_, err = m.store.GetDirectory("/data")
	assert.Equal(t, dfserr.NotFound, dfserr.KindOf(err))
}

func TestAllocateBlockNeedsEnoughNodes(t *testing.T) {
	m := newTestManager(t)
	registerNode(t, m, "node-a", 1<<20)

	_, err := m.AllocateBlock(controlplane.AllocateBlockRequest{
		FileID: controlplane.FileRef{Path: "/f.txt", Owner: "alice"},
		Index:  0,
		Size:   4096,
	})
	assert.Equal(t, dfserr.NoEligibleNodes, dfserr.KindOf(err))
}

func TestAllocateCommitFinalizeRoundTrip(t *testing.T) {
	m := newTestManager(t)
	registerNode(t, m, "node-a", 10<<20)
	registerNode(t, m, "node-b", 5<<20)

	resp, err := m.AllocateBlock(controlplane.AllocateBlockRequest{
		FileID: controlplane.FileRef{Path: "/f.txt", Owner: "alice"},
		Index:  0,
		Size:   4096,
	})
	require.NoError(t, err)
	require.Len(t, resp.Nodes, 2)
	// node-a has more free space so it must be chosen first.
	assert.Equal(t, types.NodeID("node-a"), resp.Nodes[0].ID)

	for i, n := range resp.Nodes {
		err := m.CommitBlock(controlplane.CommitBlockRequest{
			FileID:   resp.File.ID,
			BlockID:  resp.Block.ID,
			NodeID:   n.ID,
			Checksum: "deadbeef",
			IsLeader: i == 0,
		})
		require.NoError(t, err)
	}

	file, err := m.FinalizeFile(controlplane.FinalizeFileRequest{FileID: resp.File.ID, Size: 4096})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), file.Size)

	locsResp, err := m.BlockLocations(resp.File.ID)
	require.NoError(t, err)
	locs := locsResp.Locations[resp.Block.ID]
	assert.True(t, types.Committed(locs, 2))
}

func TestSweepStaleNodesMarksSuspectLocations(t *testing.T) {
	m := newTestManager(t)
	registerNode(t, m, "node-a", 10<<20)
	registerNode(t, m, "node-b", 5<<20)

	resp, err := m.AllocateBlock(controlplane.AllocateBlockRequest{
		FileID: controlplane.FileRef{Path: "/f.txt", Owner: "alice"},
		Index:  0,
		Size:   4096,
	})
	require.NoError(t, err)
	for i, n := range resp.Nodes {
		require.NoError(t, m.CommitBlock(controlplane.CommitBlockRequest{
			FileID: resp.File.ID, BlockID: resp.Block.ID, NodeID: n.ID, Checksum: "x", IsLeader: i == 0,
		}))
	}

	// Force node-b to look stale.
	n, err := m.store.GetDataNode("node-b")
	require.NoError(t, err)
	n.LastHeartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, m.store.PutDataNode(n))

	demoted, err := m.SweepStaleNodes()
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"node-b"}, demoted)

	degraded, err := m.DegradedBlocks()
	require.NoError(t, err)
	assert.Contains(t, degraded, resp.Block.ID)
}

func TestRemoveFileReturnsBlockLocations(t *testing.T) {
	m := newTestManager(t)
	registerNode(t, m, "node-a", 10<<20)
	registerNode(t, m, "node-b", 10<<20)

	resp, err := m.AllocateBlock(controlplane.AllocateBlockRequest{
		FileID: controlplane.FileRef{Path: "/f.txt", Owner: "alice"},
		Index:  0,
		Size:   4096,
	})
	require.NoError(t, err)
	for i, n := range resp.Nodes {
		require.NoError(t, m.CommitBlock(controlplane.CommitBlockRequest{
			FileID: resp.File.ID, BlockID: resp.Block.ID, NodeID: n.ID, Checksum: "x", IsLeader: i == 0,
		}))
	}

	removed, err := m.RemoveFile("/f.txt")
	require.NoError(t, err)
	require.Contains(t, removed, resp.Block.ID)
	assert.Len(t, removed[resp.Block.ID], 2)

	_, err = m.GetFileByPath("/f.txt")
	assert.Equal(t, dfserr.NotFound, dfserr.KindOf(err))
}

func TestAllocateBlockRotatesPlacementBetweenHeartbeats(t *testing.T) {
	m := newTestManager(t)
	registerNode(t, m, "node-a", 10<<20)
	registerNode(t, m, "node-b", 10<<20)
	registerNode(t, m, "node-c", 10<<20)

	var leaders []types.NodeID
	for i := 0; i < 3; i++ {
		resp, err := m.AllocateBlock(controlplane.AllocateBlockRequest{
			FileID: controlplane.FileRef{Path: fmt.Sprintf("/f%d.txt", i), Owner: "alice"},
			Index:  0,
			Size:   1 << 20,
		})
		require.NoError(t, err)
		leaders = append(leaders, resp.Nodes[0].ID)
	}
	// Three equally-sized nodes allocated back to back without any
	// heartbeat in between must not all land the leader role on the same
	// node every time.
	assert.False(t, leaders[0] == leaders[1] && leaders[1] == leaders[2])
}

func TestReportBadReplicaMarksSuspect(t *testing.T) {
	m := newTestManager(t)
	registerNode(t, m, "node-a", 10<<20)
	registerNode(t, m, "node-b", 10<<20)

	resp, err := m.AllocateBlock(controlplane.AllocateBlockRequest{
		FileID: controlplane.FileRef{Path: "/f.txt", Owner: "alice"},
		Index:  0,
		Size:   4096,
	})
	require.NoError(t, err)
	for i, n := range resp.Nodes {
		require.NoError(t, m.CommitBlock(controlplane.CommitBlockRequest{
			FileID: resp.File.ID, BlockID: resp.Block.ID, NodeID: n.ID, Checksum: "x", IsLeader: i == 0,
		}))
	}

	require.NoError(t, m.ReportBadReplica(resp.Block.ID, resp.Nodes[1].ID))

	degraded, err := m.DegradedBlocks()
	require.NoError(t, err)
	assert.Contains(t, degraded, resp.Block.ID)

	err = m.ReportBadReplica(resp.Block.ID, types.NodeID("no-such-node"))
	assert.Equal(t, dfserr.NotFound, dfserr.KindOf(err))
}

func TestRegisterDataNodeRepairsMissingLocation(t *testing.T) {
	m := newTestManager(t)
	registerNode(t, m, "node-a", 10<<20)
	registerNode(t, m, "node-b", 10<<20)

	resp, err := m.AllocateBlock(controlplane.AllocateBlockRequest{
		FileID: controlplane.FileRef{Path: "/f.txt", Owner: "alice"},
		Index:  0,
		Size:   4096,
	})
	require.NoError(t, err)
	require.NoError(t, m.CommitBlock(controlplane.CommitBlockRequest{
		FileID: resp.File.ID, BlockID: resp.Block.ID, NodeID: "node-a", Checksum: "x", IsLeader: true,
	}))

	// node-b never got its CommitBlock call through before restarting;
	// on re-registration it reports the block it actually has on disk
	// and the catalogue repairs the missing location row.
	require.NoError(t, m.RegisterDataNode(controlplane.RegisterDataNodeRequest{
		NodeID: "node-b", Hostname: "localhost", Port: 9001, TotalCapacity: 1 << 30, AvailableSpace: 10 << 20,
		BlockIDs: []types.BlockID{resp.Block.ID},
	}))

	locs, err := m.GetBlockLocations(resp.Block.ID)
	require.NoError(t, err)
	var sawNodeB bool
	for _, l := range locs {
		if l.NodeID == "node-b" {
			sawNodeB = true
		}
	}
	assert.True(t, sawNodeB)
}

func TestRegisterDataNodeRecordsOrphanForUncatalogedBlock(t *testing.T) {
	m := newTestManager(t)
	nodeAddr := startTestDataNode(t, "node-a")
	host, portStr, err := net.SplitHostPort(nodeAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, m.RegisterDataNode(controlplane.RegisterDataNodeRequest{
		NodeID: "node-a", Hostname: host, Port: port, TotalCapacity: 1 << 30, AvailableSpace: 10 << 20,
		BlockIDs: []types.BlockID{"ghost-block"},
	}))

	orphans, err := m.store.ListOrphanBlocks()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, types.BlockID("ghost-block"), orphans[0].BlockID)

	// Still within the grace period: the sweep must leave it alone.
	require.NoError(t, m.SweepOrphanBlocks())
	orphans, err = m.store.ListOrphanBlocks()
	require.NoError(t, err)
	assert.Len(t, orphans, 1)

	// Backdate it past the grace period and sweep again.
	require.NoError(t, m.store.DeleteOrphanBlock(orphans[0].BlockID))
	orphans[0].FirstSeen = time.Now().Add(-48 * time.Hour)
	require.NoError(t, m.store.PutOrphanBlockIfAbsent(orphans[0]))

	require.NoError(t, m.SweepOrphanBlocks())
	orphans, err = m.store.ListOrphanBlocks()
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

// startTestDataNode boots a real grpc server backed by an in-process
// datanode.Node, the same helper shape pkg/replication's tests use, so
// the orphan sweep has a real DeleteBlock RPC to call against.
func startTestDataNode(t *testing.T, nodeID string) string {
	t.Helper()
	rpcjson.Register()

	n, err := datanode.New(config.DataNodeConfig{NodeID: nodeID, StorageRoot: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer()
	dnrpc.RegisterServer(server, n)

	go server.Serve(lis)
	t.Cleanup(server.Stop)

	return lis.Addr().String()
}
