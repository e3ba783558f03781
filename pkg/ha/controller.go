// Package ha runs the metadata plane's leader/follower state machine: a
// randomized-timeout election between exactly two metadata nodes, plus
// the heartbeat and metadata-sync channel that keeps the follower's
// bbolt store current (spec.md §4.6). Grounded on the peer
// machinery (ConnectToPeer/Heartbeat/SyncState/heartbeatLoop/syncLoop),
// redesigned for a single authoritative leader
// with follower redirect instead of symmetric always-writable peers.
package ha

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dfs/pkg/config"
	"dfs/pkg/harpc"
	"dfs/pkg/metaserver"
	"dfs/pkg/metastore"
	"dfs/pkg/types"
)

type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "follower"
	}
}

// Controller is the harpc.Server implementation shared by both metadata
// nodes. With no peer configured it runs standalone, permanently leader.
type Controller struct {
	id      types.NodeID
	cfg     config.MetadataConfig
	manager *metaserver.Manager
	store   *metastore.Store
	logger  *zap.Logger

	selfControlPlaneAddr string
	peerAddr             string
	peerControlPlaneAddr string

	mu                      sync.Mutex
	state                   State
	term                    int64
	votedFor                types.NodeID
	leaderID                types.NodeID
	leaderControlPlaneAddr  string
	lastHeartbeat           time.Time
	electionTimeout         time.Duration
	peerConn                *grpc.ClientConn

	sweepCron *cron.Cron
}

func New(id types.NodeID, cfg config.MetadataConfig, manager *metaserver.Manager, store *metastore.Store, logger *zap.Logger, selfControlPlaneAddr, peerAddr, peerControlPlaneAddr string) *Controller {
	c := &Controller{
		id:                    id,
		cfg:                   cfg,
		manager:               manager,
		store:                 store,
		logger:                logger,
		selfControlPlaneAddr:  selfControlPlaneAddr,
		peerAddr:              peerAddr,
		peerControlPlaneAddr:  peerControlPlaneAddr,
		state:                 Follower,
	}
	manager.SetLogAppender(c)
	if peerAddr == "" {
		c.becomeLeaderLocked()
	}
	c.resetElectionTimeout()
	return c
}

func (c *Controller) resetElectionTimeout() {
	span := c.cfg.ElectionTimeoutMax - c.cfg.ElectionTimeoutMin
	jitter := time.Duration(0)
	if span > 0 {
		jitter = time.Duration(rand.Int63n(int64(span)))
	}
	c.electionTimeout = c.cfg.ElectionTimeoutMin + jitter
	c.lastHeartbeat = time.Now()
}

// --- controlplane.LeaderInfo ---

func (c *Controller) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Leader
}

func (c *Controller) LeaderAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Leader {
		return c.selfControlPlaneAddr
	}
	return c.leaderControlPlaneAddr
}

func (c *Controller) Term() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

// Run drives the election timeout check and, while leader, the
// heartbeat broadcast; it blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c.peerAddr == "" {
		<-ctx.Done()
		return
	}

	electionTicker := time.NewTicker(10 * time.Millisecond)
	defer electionTicker.Stop()
	heartbeatTicker := time.NewTicker(c.cfg.LeaderHeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-electionTicker.C:
			c.checkElectionTimeout(ctx)
		case <-heartbeatTicker.C:
			c.broadcastHeartbeatIfLeader(ctx)
		}
	}
}

func (c *Controller) checkElectionTimeout(ctx context.Context) {
	c.mu.Lock()
	elapsed := time.Since(c.lastHeartbeat)
	timedOut := c.state != Leader && elapsed > c.electionTimeout
	c.mu.Unlock()
	if timedOut {
		c.startElection(ctx)
	}
}

func (c *Controller) startElection(ctx context.Context) {
	c.mu.Lock()
	c.state = Candidate
	c.term++
	term := c.term
	c.votedFor = c.id
	c.resetElectionTimeout()
	c.mu.Unlock()

	client, err := c.dialPeer(ctx)
	if err != nil {
		c.logger.Warn("election: could not reach peer, retrying next timeout", zap.Error(err))
		return
	}

	resp, err := client.RequestVote(ctx, &harpc.RequestVoteRequest{Term: term, CandidateID: c.id})
	if err != nil {
		c.logger.Warn("election: RequestVote failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.Term > c.term {
		c.term = resp.Term
		c.stepDownLocked()
		return
	}
	if c.state != Candidate || term != c.term {
		return // a heartbeat from a newer term already demoted us
	}
	if resp.VoteGranted {
		c.becomeLeaderLocked()
		c.logger.Info("won election", zap.Int64("term", c.term))
		go c.catchUpFollower()
	}
}

// catchUpFollower ships every log record the store has ever recorded to
// the peer right after an election, so a follower that missed records
// while this node was still catching up itself converges immediately
// instead of waiting for the next individual mutation.
func (c *Controller) catchUpFollower() {
	records, err := c.store.LogRecordsSince(0)
	if err != nil || len(records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := c.dialPeer(ctx)
	if err != nil {
		c.logger.Warn("failed to reach peer for post-election catch-up", zap.Error(err))
		return
	}

	batch := make([]harpc.MetadataRecord, 0, len(records))
	for _, r := range records {
		batch = append(batch, harpc.MetadataRecord{Sequence: r.Sequence, Operation: r.Operation, Payload: r.Payload})
	}
	if _, err := client.SyncMetadata(ctx, &harpc.SyncMetadataRequest{Term: c.Term(), Records: batch}); err != nil {
		c.logger.Warn("post-election catch-up sync failed", zap.Error(err))
	}
}

func (c *Controller) becomeLeaderLocked() {
	c.state = Leader
	c.leaderID = c.id
	c.leaderControlPlaneAddr = c.selfControlPlaneAddr
	if c.sweepCron == nil {
		c.sweepCron = c.manager.StartSweeps()
	}
}

// stepDownLocked must be called with mu held whenever this node
// discovers a newer term and reverts to Follower, so the staleness
// sweep never runs on two nodes at once.
func (c *Controller) stepDownLocked() {
	if c.sweepCron != nil {
		c.sweepCron.Stop()
		c.sweepCron = nil
	}
	c.state = Follower
}

func (c *Controller) broadcastHeartbeatIfLeader(ctx context.Context) {
	c.mu.Lock()
	isLeader := c.state == Leader
	term := c.term
	c.mu.Unlock()
	if !isLeader {
		return
	}

	client, err := c.dialPeer(ctx)
	if err != nil {
		return
	}
	resp, err := client.Heartbeat(ctx, &harpc.HeartbeatRequest{Term: term, LeaderID: c.id})
	if err != nil {
		return
	}

	c.mu.Lock()
	if resp.Term > c.term {
		c.term = resp.Term
		c.stepDownLocked()
	}
	c.mu.Unlock()
}

func (c *Controller) dialPeer(ctx context.Context) (*harpc.Client, error) {
	c.mu.Lock()
	existing := c.peerConn
	c.mu.Unlock()
	if existing != nil {
		return harpc.NewClient(existing), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, c.peerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.peerConn = conn
	c.mu.Unlock()
	return harpc.NewClient(conn), nil
}

// --- harpc.Server ---

func (c *Controller) RequestVote(ctx context.Context, req *harpc.RequestVoteRequest) (*harpc.RequestVoteResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.term {
		return &harpc.RequestVoteResponse{Term: c.term, VoteGranted: false}, nil
	}
	if req.Term > c.term {
		c.term = req.Term
		c.votedFor = ""
		c.stepDownLocked()
	}
	if c.votedFor == "" || c.votedFor == req.CandidateID {
		c.votedFor = req.CandidateID
		c.resetElectionTimeout()
		return &harpc.RequestVoteResponse{Term: c.term, VoteGranted: true}, nil
	}
	return &harpc.RequestVoteResponse{Term: c.term, VoteGranted: false}, nil
}

func (c *Controller) Heartbeat(ctx context.Context, req *harpc.HeartbeatRequest) (*harpc.HeartbeatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Term < c.term {
		return &harpc.HeartbeatResponse{Term: c.term, Success: false}, nil
	}
	c.term = req.Term
	c.stepDownLocked()
	c.leaderID = req.LeaderID
	c.leaderControlPlaneAddr = c.peerControlPlaneAddr
	c.resetElectionTimeout()
	return &harpc.HeartbeatResponse{Term: c.term, Success: true}, nil
}

func (c *Controller) SyncMetadata(ctx context.Context, req *harpc.SyncMetadataRequest) (*harpc.SyncMetadataResponse, error) {
	var applied int64
	for _, rec := range req.Records {
		if err := c.manager.ApplyRecord(rec.Operation, rec.Payload); err != nil {
			c.logger.Error("failed to apply replicated metadata record", zap.String("operation", rec.Operation), zap.Error(err))
			return &harpc.SyncMetadataResponse{AppliedThrough: applied, Success: false}, err
		}
		applied = rec.Sequence
	}
	return &harpc.SyncMetadataResponse{AppliedThrough: applied, Success: true}, nil
}

// --- metaserver.LogAppender ---

// Append is called synchronously by the metadata manager after each
// mutation it records in its log; when this node is leader it best-effort
// forwards the record to the follower. Dial and SyncMetadata failures are
// dropped without logging or returning them — the authoritative copy
// already committed locally. A follower that missed records is caught up
// via LogRecordsSince only when this node next wins an election
// (catchUpFollower).
func (c *Controller) Append(operation string, payload interface{}) {
	c.mu.Lock()
	isLeader := c.state == Leader
	term := c.term
	c.mu.Unlock()
	if !isLeader || c.peerAddr == "" {
		return
	}

	data, err := marshalPayload(payload)
	if err != nil {
		c.logger.Warn("failed to marshal record for replication", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := c.dialPeer(ctx)
	if err != nil {
		return
	}
	_, _ = client.SyncMetadata(ctx, &harpc.SyncMetadataRequest{
		Term: term,
		Records: []harpc.MetadataRecord{{Operation: operation, Payload: data}},
	})
}

func marshalPayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
