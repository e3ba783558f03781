package ha

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dfs/pkg/config"
	"dfs/pkg/harpc"
	"dfs/pkg/metaserver"
	"dfs/pkg/metastore"
	"dfs/pkg/types"
)

func newTestController(t *testing.T, peerAddr string) *Controller {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	store, err := metastore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.MetadataConfig{
		ReplicationFactor:       2,
		ElectionTimeoutMin:      config.DefaultElectionTimeoutMin,
		ElectionTimeoutMax:      config.DefaultElectionTimeoutMax,
		LeaderHeartbeatInterval: config.DefaultLeaderHeartbeatInterval,
	}
	manager := metaserver.New(store, cfg, zap.NewNop())
	return New("node-a", cfg, manager, store, zap.NewNop(), "localhost:8080", peerAddr, "localhost:8081")
}

func TestStandaloneControllerIsAlwaysLeader(t *testing.T) {
	c := newTestController(t, "")
	assert.True(t, c.IsLeader())
	assert.Equal(t, "localhost:8080", c.LeaderAddress())
}

func TestRequestVoteGrantsOncePerTerm(t *testing.T) {
	c := newTestController(t, "localhost:9999")
	assert.False(t, c.IsLeader())

	resp, err := c.RequestVote(context.Background(), &harpc.RequestVoteRequest{Term: 1, CandidateID: "node-b"})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)

	resp2, err := c.RequestVote(context.Background(), &harpc.RequestVoteRequest{Term: 1, CandidateID: "node-c"})
	require.NoError(t, err)
	assert.False(t, resp2.VoteGranted, "must not grant a second vote in the same term to a different candidate")
}

func TestHeartbeatStepsDownOnHigherTerm(t *testing.T) {
	c := newTestController(t, "localhost:9999")
	c.mu.Lock()
	c.state = Leader
	c.term = 1
	c.mu.Unlock()

	resp, err := c.Heartbeat(context.Background(), &harpc.HeartbeatRequest{Term: 5, LeaderID: "node-b"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, c.IsLeader())
	assert.Equal(t, int64(5), c.Term())
}

func TestSyncMetadataAppliesRecord(t *testing.T) {
	c := newTestController(t, "")
	dir := types.Directory{Path: "/data", Parent: "/"}
	payload, err := marshalPayload(dir)
	require.NoError(t, err)

	resp, err := c.SyncMetadata(context.Background(), &harpc.SyncMetadataRequest{
		Term:    0,
		Records: []harpc.MetadataRecord{{Sequence: 1, Operation: "mkdir", Payload: payload}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.EqualValues(t, 1, resp.AppliedThrough)

	children, err := c.manager.Ls("/")
	require.NoError(t, err)
	assert.Contains(t, children, "/data")
}
