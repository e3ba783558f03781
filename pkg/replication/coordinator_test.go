package replication

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dfs/pkg/config"
	"dfs/pkg/controlplane"
	"dfs/pkg/datanode"
	"dfs/pkg/dnrpc"
	"dfs/pkg/metaserver"
	"dfs/pkg/metastore"
	"dfs/pkg/rpcjson"
	"dfs/pkg/types"
)

// startTestDataNode boots a real grpc server backed by an in-process
// datanode.Node and returns its listen address.
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

func registerAt(t *testing.T, manager *metaserver.Manager, nodeID, addr string, available int64) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, manager.RegisterDataNode(controlplane.RegisterDataNodeRequest{
		NodeID:         types.NodeID(nodeID),
		Hostname:       host,
		Port:           port,
		TotalCapacity:  1 << 30,
		AvailableSpace: available,
	}))
}

func storeBlockDirect(t *testing.T, addr string, blockID types.BlockID, data []byte) {
	t.Helper()
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	require.NoError(t, err)
	defer conn.Close()

	_, err = dnrpc.NewClient(conn).StoreBlock(context.Background(), &dnrpc.StoreBlockRequest{BlockID: blockID, Data: data})
	require.NoError(t, err)
}

func TestHealReplicatesToEligibleTarget(t *testing.T) {
	metaPath := filepath.Join(t.TempDir(), "meta.db")
	store, err := metastore.Open(metaPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.MetadataConfig{ReplicationFactor: 2}
	manager := metaserver.New(store, cfg, zap.NewNop())

	sourceAddr := startTestDataNode(t, "node-source")
	targetAddr := startTestDataNode(t, "node-target")

	registerAt(t, manager, "node-source", sourceAddr, 10<<20)
	registerAt(t, manager, "node-target", targetAddr, 10<<20)

	resp, err := manager.AllocateBlock(controlplane.AllocateBlockRequest{
		FileID: controlplane.FileRef{Path: "/f.txt", Owner: "alice"},
		Index:  0,
		Size:   4,
	})
	require.NoError(t, err)

	storeBlockDirect(t, sourceAddr, resp.Block.ID, []byte("data"))

	require.NoError(t, manager.CommitBlock(controlplane.CommitBlockRequest{
		FileID: resp.File.ID, BlockID: resp.Block.ID, NodeID: "node-source", Checksum: "", IsLeader: true,
	}))

	coord := New(manager, cfg, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, coord.heal(ctx, resp.Block.ID))

	locs, err := manager.GetBlockLocations(resp.Block.ID)
	require.NoError(t, err)
	assert.True(t, types.Committed(locs, 2))
}

func TestScheduleRetryGrowsBackoffExponentially(t *testing.T) {
	metaPath := filepath.Join(t.TempDir(), "meta.db")
	store, err := metastore.Open(metaPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager := metaserver.New(store, config.MetadataConfig{ReplicationFactor: 2}, zap.NewNop())
	coord := New(manager, config.MetadataConfig{ReplicationFactor: 2}, zap.NewNop())

	coord.scheduleRetry("b1")
	first := coord.backoff["b1"]
	assert.Equal(t, minBackoff, first)

	coord.scheduleRetry("b1")
	second := coord.backoff["b1"]
	assert.Equal(t, minBackoff*2, second)
}
