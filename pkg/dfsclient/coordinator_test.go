package dfsclient

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"dfs/pkg/config"
	"dfs/pkg/controlplane"
	"dfs/pkg/datanode"
	"dfs/pkg/dfserr"
	"dfs/pkg/dnrpc"
	"dfs/pkg/metaserver"
	"dfs/pkg/metastore"
	"dfs/pkg/rpcjson"
	"dfs/pkg/types"
)

// newTestCluster boots a real control-plane HTTP server (standalone, so
// it is always leader) plus n real datanode grpc servers, and registers
// each node with the control plane. Returns the control plane's address.
func newTestCluster(t *testing.T, n int, replicationFactor int) string {
	t.Helper()
	rpcjson.Register()

	store, err := metastore.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager := metaserver.New(store, config.MetadataConfig{ReplicationFactor: replicationFactor}, zap.NewNop())
	handler := controlplane.NewHandler(manager, nil, zap.NewNop())

	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)
	controlPlaneAddr := srv.Listener.Addr().String()

	for i := 0; i < n; i++ {
		nodeID := "node-" + strconv.Itoa(i)
		dn, err := datanode.New(config.DataNodeConfig{NodeID: nodeID, StorageRoot: t.TempDir(), ControlPlaneAddress: controlPlaneAddr}, zap.NewNop())
		require.NoError(t, err)

		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		server := grpc.NewServer()
		dnrpc.RegisterServer(server, dn)
		go server.Serve(lis)
		t.Cleanup(server.Stop)

		host, portStr, err := net.SplitHostPort(lis.Addr().String())
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)

		require.NoError(t, manager.RegisterDataNode(controlplane.RegisterDataNodeRequest{
			NodeID:         types.NodeID(nodeID),
			Hostname:       host,
			Port:           port,
			TotalCapacity:  1 << 30,
			AvailableSpace: 1 << 20,
		}))
	}

	return controlPlaneAddr
}

func TestPutGetRoundTrip(t *testing.T) {
	addr := newTestCluster(t, 2, 2)
	client := New(addr, 8, false, zap.NewNop())

	src := filepath.Join(t.TempDir(), "src.txt")
	want := []byte("the quick brown fox jumps over the lazy dog, repeated enough to span multiple blocks")
	require.NoError(t, os.WriteFile(src, want, 0o644))

	ctx := context.Background()
	require.NoError(t, client.Put(ctx, src, "/greeting.txt", "alice"))

	dst := filepath.Join(t.TempDir(), "dst.txt")
	require.NoError(t, client.Get(ctx, "/greeting.txt", dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPutGetRoundTripCompressed(t *testing.T) {
	addr := newTestCluster(t, 2, 2)
	client := New(addr, 16, true, zap.NewNop())

	src := filepath.Join(t.TempDir(), "src.txt")
	want := []byte("compressed payloads must decode back to exactly the original bytes on every node")
	require.NoError(t, os.WriteFile(src, want, 0o644))

	ctx := context.Background()
	require.NoError(t, client.Put(ctx, src, "/notes.txt", "bob"))

	dst := filepath.Join(t.TempDir(), "dst.txt")
	require.NoError(t, client.Get(ctx, "/notes.txt", dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPutEmptyFile(t *testing.T) {
	addr := newTestCluster(t, 2, 2)
	client := New(addr, 8, false, zap.NewNop())

	src := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(src, nil, 0o644))

	ctx := context.Background()
	require.NoError(t, client.Put(ctx, src, "/empty.txt", "alice"))

	dst := filepath.Join(t.TempDir(), "dst.txt")
	require.NoError(t, client.Get(ctx, "/empty.txt", dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMkdirLsRoundTrip(t *testing.T) {
	addr := newTestCluster(t, 1, 1)
	client := New(addr, 8, false, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, client.Mkdir(ctx, "/docs", "alice"))

	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hi"), 0o644))
	require.NoError(t, client.Put(ctx, src, "/docs/a.txt", "alice"))

	children, err := client.Ls(ctx, "/docs")
	require.NoError(t, err)
	assert.Contains(t, children, "/docs/a.txt")
}

func TestRmdirRecursiveRemovesFilesAndSubdirs(t *testing.T) {
	addr := newTestCluster(t, 2, 2)
	client := New(addr, 8, false, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, client.Mkdir(ctx, "/docs", "alice"))
	require.NoError(t, client.Mkdir(ctx, "/docs/nested", "alice"))

	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hi"), 0o644))
	require.NoError(t, client.Put(ctx, src, "/docs/nested/a.txt", "alice"))

	err := client.Rmdir(ctx, "/docs", false)
	assert.Equal(t, dfserr.InvariantViolation, dfserr.KindOf(err))

	require.NoError(t, client.Rmdir(ctx, "/docs", true))

	_, err = client.Info(ctx, "/docs/nested/a.txt")
	assert.Equal(t, dfserr.NotFound, dfserr.KindOf(err))
}

func TestUploadReplicatesToFollowerViaLeader(t *testing.T) {
	addr := newTestCluster(t, 2, 2)
	client := New(addr, 8, false, zap.NewNop())
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	require.NoError(t, client.Put(ctx, src, "/a.txt", "alice"))

	locResp, err := client.blockLocations(ctx, "/a.txt")
	require.NoError(t, err)
	file, err := client.getFile(ctx, "/a.txt")
	require.NoError(t, err)
	require.Len(t, file.Blocks, 1)

	locs := locResp.Locations[file.Blocks[0]]
	require.Len(t, locs, 2)
	assert.True(t, types.Committed(locs, 2))
}
