package datanode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dfs/pkg/config"
	"dfs/pkg/dfserr"
	"dfs/pkg/dnrpc"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := config.DataNodeConfig{
		NodeID:      "node-a",
		StorageRoot: t.TempDir(),
	}
	n, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return n
}

func TestStoreRetrieveDeleteRoundTrip(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	storeResp, err := n.StoreBlock(ctx, &dnrpc.StoreBlockRequest{BlockID: "b1", Data: []byte("hello world")})
	require.NoError(t, err)
	assert.NotEmpty(t, storeResp.Checksum)

	getResp, err := n.RetrieveBlock(ctx, &dnrpc.RetrieveBlockRequest{BlockID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), getResp.Data)
	assert.Equal(t, storeResp.Checksum, getResp.Checksum)

	checkResp, err := n.CheckBlock(ctx, &dnrpc.CheckBlockRequest{BlockID: "b1"})
	require.NoError(t, err)
	assert.True(t, checkResp.Exists)
	assert.Equal(t, int64(len("hello world")), checkResp.Size)

	_, err = n.DeleteBlock(ctx, &dnrpc.DeleteBlockRequest{BlockID: "b1"})
	require.NoError(t, err)

	checkResp, err = n.CheckBlock(ctx, &dnrpc.CheckBlockRequest{BlockID: "b1"})
	require.NoError(t, err)
	assert.False(t, checkResp.Exists)
}

func TestRetrieveMissingBlockIsNotFound(t *testing.T) {
	n := newTestNode(t)
	_, err := n.RetrieveBlock(context.Background(), &dnrpc.RetrieveBlockRequest{BlockID: "missing"})
	require.Error(t, err)
	assert.Equal(t, dfserr.NotFound, dfserr.KindOf(err))
}

func TestStoreRejectsChecksumMismatch(t *testing.T) {
	n := newTestNode(t)
	_, err := n.StoreBlock(context.Background(), &dnrpc.StoreBlockRequest{
		BlockID:  "b2",
		Data:     []byte("payload"),
		Checksum: "not-the-real-checksum",
	})
	require.Error(t, err)
	assert.Equal(t, dfserr.Integrity, dfserr.KindOf(err))

	checkResp, err := n.CheckBlock(context.Background(), &dnrpc.CheckBlockRequest{BlockID: "b2"})
	require.NoError(t, err)
	assert.False(t, checkResp.Exists)
}

func TestZeroByteBlockRoundTrip(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()

	storeResp, err := n.StoreBlock(ctx, &dnrpc.StoreBlockRequest{BlockID: "empty", Data: []byte{}})
	require.NoError(t, err)

	getResp, err := n.RetrieveBlock(ctx, &dnrpc.RetrieveBlockRequest{BlockID: "empty"})
	require.NoError(t, err)
	assert.Empty(t, getResp.Data)
	assert.Equal(t, storeResp.Checksum, getResp.Checksum)
}
