// Package datanode implements the storage-node process: the block-store
// data-plane service (spec.md §4.2) plus the heartbeat/registry agent
// that keeps the metadata manager's view of this node current
// (spec.md §4.3). Grounded on pkg/node/node.go
// (Start/StoreChunk/RetrieveChunk/registerWithCoordinator), renamed from
// chunks to blocks and redirected onto the HTTP control plane instead of
// a gRPC RegisterNode call.
package datanode

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dfs/pkg/blockstore"
	"dfs/pkg/config"
	"dfs/pkg/controlplane"
	"dfs/pkg/dfserr"
	"dfs/pkg/dnrpc"
	"dfs/pkg/metrics"
	"dfs/pkg/rpcjson"
	"dfs/pkg/types"
)

type Node struct {
	id      types.NodeID
	cfg     config.DataNodeConfig
	store   *blockstore.Store
	logger  *zap.Logger
	client  *http.Client
	metrics *metrics.Registry

	cpMu   sync.RWMutex
	cpAddr string

	grpcServer *grpc.Server
}

func New(cfg config.DataNodeConfig, logger *zap.Logger) (*Node, error) {
	store, err := blockstore.New(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open block store: %w", err)
	}
	return &Node{
		id:     types.NodeID(cfg.NodeID),
		cfg:    cfg,
		store:  store,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		cpAddr: cfg.ControlPlaneAddress,
	}, nil
}

// SetMetrics attaches a metrics registry; block operations are recorded
// only once one has been set, so tests that don't care about metrics
// don't need to construct one.
func (n *Node) SetMetrics(m *metrics.Registry) { n.metrics = m }

func (n *Node) recordBlockOp(op string, err error, bytes int) {
	if n.metrics != nil {
		n.metrics.RecordBlockOp(op, err, bytes)
	}
}

// Serve runs the grpc data-plane server on addr; call in a goroutine
// from cmd/datanode.
func (n *Node) Serve(addr string) error {
	rpcjson.Register()
	lis, err := newListener(addr)
	if err != nil {
		return err
	}
	n.grpcServer = grpc.NewServer(grpc.MaxRecvMsgSize(n.cfg.RPCMaxMessageBytes), grpc.MaxSendMsgSize(n.cfg.RPCMaxMessageBytes))
	dnrpc.RegisterServer(n.grpcServer, n)
	n.logger.Info("datanode serving", zap.String("address", addr), zap.String("node_id", string(n.id)))
	return n.grpcServer.Serve(lis)
}

func (n *Node) Stop() {
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
	}
}

// --- dnrpc.Server ---

func (n *Node) StoreBlock(ctx context.Context, req *dnrpc.StoreBlockRequest) (*dnrpc.StoreBlockResponse, error) {
	data := req.Data
	if req.Compressed {
		decompressed, err := decompressPayload(data)
		if err != nil {
			return nil, dfserr.Wrap(dfserr.Integrity, fmt.Sprintf("block %s failed to decompress", req.BlockID), err)
		}
		data = decompressed
	}

	checksum, err := n.store.Store(req.BlockID, data)
	if err != nil {
		n.recordBlockOp("store", err, 0)
		return nil, err
	}
	if req.Checksum != "" && req.Checksum != checksum {
		n.store.Delete(req.BlockID)
		mismatchErr := dfserr.New(dfserr.Integrity, fmt.Sprintf("block %s checksum mismatch on store", req.BlockID))
		n.recordBlockOp("store", mismatchErr, 0)
		return nil, mismatchErr
	}
	n.recordBlockOp("store", nil, len(data))

	if req.FileID != "" {
		n.leadBlock(ctx, req.FileID, req.BlockID, checksum, req.Followers)
	}

	return &dnrpc.StoreBlockResponse{Checksum: checksum}, nil
}

// leadBlock runs once this node has just accepted a block straight from
// a client: it is now the leader for that block (spec.md §4.2), so it
// reports its own location, then drives the replication handshake
// itself by pushing a copy to each follower the client's StoreBlock
// request named and reporting those locations too. Failures only log —
// the client already has its ack from the leader write, and the
// replication coordinator will pick up anything left under-replicated.
func (n *Node) leadBlock(ctx context.Context, fileID types.FileID, blockID types.BlockID, checksum string, followers []types.StorageNode) {
	if err := n.commitBlock(ctx, fileID, blockID, n.id, checksum, true); err != nil {
		n.logger.Warn("leader failed to commit its own block location", zap.String("block_id", string(blockID)), zap.Error(err))
	}
	for _, target := range followers {
		resp, err := n.ReplicateBlock(ctx, &dnrpc.ReplicateBlockRequest{BlockID: blockID, TargetNode: target.ID, TargetAddr: target.Address()})
		if err != nil {
			n.logger.Warn("failed to replicate block to follower", zap.String("block_id", string(blockID)), zap.String("target", string(target.ID)), zap.Error(err))
			continue
		}
		if err := n.commitBlock(ctx, fileID, blockID, target.ID, resp.Checksum, false); err != nil {
			n.logger.Warn("failed to commit replicated block location", zap.String("block_id", string(blockID)), zap.String("target", string(target.ID)), zap.Error(err))
		}
	}
}

func decompressPayload(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (n *Node) RetrieveBlock(ctx context.Context, req *dnrpc.RetrieveBlockRequest) (*dnrpc.RetrieveBlockResponse, error) {
	data, checksum, err := n.store.Retrieve(req.BlockID)
	n.recordBlockOp("retrieve", err, len(data))
	if err != nil {
		return nil, err
	}
	return &dnrpc.RetrieveBlockResponse{Data: data, Checksum: checksum}, nil
}

// ReplicateBlock pushes a block this node already holds to another
// node, node-to-node. Called by a leader driving the initial
// replication handshake right after accepting a block from a client
// (see leadBlock); the replication coordinator uses TransferBlock
// instead when re-replicating after a node loss.
func (n *Node) ReplicateBlock(ctx context.Context, req *dnrpc.ReplicateBlockRequest) (*dnrpc.ReplicateBlockResponse, error) {
	data, _, err := n.store.Retrieve(req.BlockID)
	if err != nil {
		return nil, err
	}
	conn, err := dnrpc.Dial(ctx, req.TargetAddr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, dfserr.Wrap(dfserr.Transient, fmt.Sprintf("failed to dial replication target %s", req.TargetAddr), err)
	}
	defer conn.Close()

	resp, err := dnrpc.NewClient(conn).StoreBlock(ctx, &dnrpc.StoreBlockRequest{BlockID: req.BlockID, Data: data})
	if err != nil {
		return nil, err
	}
	return &dnrpc.ReplicateBlockResponse{Checksum: resp.Checksum}, nil
}

// TransferBlock is ReplicateBlock's re-replication counterpart: the
// replication coordinator calls this on a healthy holder of a degraded
// block to push a fresh copy onto its chosen replacement node.
func (n *Node) TransferBlock(ctx context.Context, req *dnrpc.TransferBlockRequest) (*dnrpc.TransferBlockResponse, error) {
	data, _, err := n.store.Retrieve(req.BlockID)
	if err != nil {
		return nil, err
	}
	conn, err := dnrpc.Dial(ctx, req.TargetAddr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, dfserr.Wrap(dfserr.Transient, fmt.Sprintf("failed to dial transfer target %s", req.TargetAddr), err)
	}
	defer conn.Close()

	resp, err := dnrpc.NewClient(conn).StoreBlock(ctx, &dnrpc.StoreBlockRequest{BlockID: req.BlockID, Data: data})
	if err != nil {
		return nil, err
	}
	return &dnrpc.TransferBlockResponse{Checksum: resp.Checksum}, nil
}

func (n *Node) CheckBlock(ctx context.Context, req *dnrpc.CheckBlockRequest) (*dnrpc.CheckBlockResponse, error) {
	exists, size, checksum := n.store.Exists(req.BlockID)
	return &dnrpc.CheckBlockResponse{Exists: exists, Size: size, Checksum: checksum}, nil
}

func (n *Node) DeleteBlock(ctx context.Context, req *dnrpc.DeleteBlockRequest) (*dnrpc.DeleteBlockResponse, error) {
	if err := n.store.Delete(req.BlockID); err != nil {
		return nil, err
	}
	return &dnrpc.DeleteBlockResponse{}, nil
}

// --- control-plane client calls ---

// controlPlaneAddr returns the address this node currently believes is
// the control-plane leader, updated by doControlPlane whenever a 307
// redirect names a different one.
func (n *Node) controlPlaneAddr() string {
	n.cpMu.RLock()
	defer n.cpMu.RUnlock()
	return n.cpAddr
}

func (n *Node) setControlPlaneAddr(addr string) {
	n.cpMu.Lock()
	n.cpAddr = addr
	n.cpMu.Unlock()
}

// doControlPlane issues method/path/body against the address this node
// currently believes is the leader, following a single 307 redirect and
// remembering the new address for every subsequent call — registration,
// heartbeats and block commits all go through this, so a node keeps
// talking to the real leader across a metadata failover instead of
// quietly no-oping against a stale address.
func (n *Node) doControlPlane(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	resp, err := n.rawRequest(ctx, method, n.controlPlaneAddr(), path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusTemporaryRedirect {
		return resp, nil
	}
	resp.Body.Close()
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, dfserr.New(dfserr.Transient, "redirected to leader without a Location header")
	}
	leaderAddr, err := leaderAddrFromLocation(location)
	if err != nil {
		return nil, dfserr.Wrap(dfserr.Transient, "failed to parse leader redirect", err)
	}
	n.logger.Info("control plane redirected to leader, following", zap.String("leader", leaderAddr))
	n.setControlPlaneAddr(leaderAddr)
	return n.rawRequest(ctx, method, leaderAddr, path, body)
}

func (n *Node) rawRequest(ctx context.Context, method, addr, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return n.client.Do(req)
}

func leaderAddrFromLocation(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("redirect location %q has no host", location)
	}
	return u.Host, nil
}

func (n *Node) postJSON(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return n.doControlPlane(ctx, http.MethodPost, path, body)
}

func (n *Node) Register(ctx context.Context) error {
	blockIDs, err := n.store.ListBlockIDs()
	if err != nil {
		return fmt.Errorf("failed to list local blocks: %w", err)
	}
	req := controlplane.RegisterDataNodeRequest{
		NodeID:         n.id,
		Hostname:       hostOf(n.cfg.Address),
		Port:           portOf(n.cfg.Address),
		TotalCapacity:  n.cfg.StorageCapacity,
		AvailableSpace: n.store.AvailableSpace(),
		BlockIDs:       blockIDs,
	}
	resp, err := n.postJSON(ctx, "/datanodes", req)
	if err != nil {
		return dfserr.Wrap(dfserr.Transient, "failed to reach control plane for registration", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return dfserr.New(dfserr.Transient, fmt.Sprintf("registration rejected with status %d", resp.StatusCode))
	}
	n.logger.Info("registered with control plane", zap.String("node_id", string(n.id)), zap.Int("blocks_reported", len(blockIDs)))
	return nil
}

// commitBlock reports that a block landed on this node to the control
// plane, used both for this node's own leader location (from StoreBlock)
// and for a follower's location once ReplicateBlock confirms it landed.
func (n *Node) commitBlock(ctx context.Context, fileID types.FileID, blockID types.BlockID, nodeID types.NodeID, checksum string, isLeader bool) error {
	resp, err := n.doControlPlane(ctx, http.MethodPost, "/blocks/commit", controlplane.CommitBlockRequest{
		FileID:   fileID,
		BlockID:  blockID,
		NodeID:   nodeID,
		Checksum: checksum,
		IsLeader: isLeader,
	})
	if err != nil {
		return dfserr.Wrap(dfserr.Transient, "failed to reach control plane for block commit", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return dfserr.New(dfserr.Transient, fmt.Sprintf("block commit rejected with status %d", resp.StatusCode))
	}
	return nil
}
