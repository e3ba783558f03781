// Package metaserver is the metadata manager: namespace operations,
// file and block catalogue CRUD, datanode registry and placement policy
// (spec.md §4.4). Grounded on coordinator.go
// (registerNodeInternal, checkNodeHealth, directory tree maps) and
// pkg/storage/storage.go's DistributionStrategy.
package metaserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dfs/pkg/config"
	"dfs/pkg/controlplane"
	"dfs/pkg/dfserr"
	"dfs/pkg/metastore"
	"dfs/pkg/types"
)

// LogAppender receives each namespace, block-catalogue, bad-replica and
// datanode-registration mutation so the HA controller can replicate it to
// the follower. Heartbeat updates, staleness-sweep demotions and the
// location repairs made from a registration block report are not passed
// to it. nil when no HA controller is attached (the metaserver tests).
type LogAppender interface {
	Append(operation string, payload interface{})
}

type Manager struct {
	store  *metastore.Store
	cfg    config.MetadataConfig
	logger *zap.Logger

	mu       sync.Mutex // serializes block allocation against placement races
	appender LogAppender

	// placement tracks the space/blocks-stored adjustments allocations
	// have made in this process since the affected node's last real
	// heartbeat, so back-to-back AllocateBlock calls rotate across nodes
	// instead of piling onto whichever one led the last heartbeat's
	// snapshot.
	placement map[types.NodeID]placementOverride
}

type placementOverride struct {
	spaceDelta  int64
	blocksDelta int64
}

func New(store *metastore.Store, cfg config.MetadataConfig, logger *zap.Logger) *Manager {
	return &Manager{store: store, cfg: cfg, logger: logger, placement: make(map[types.NodeID]placementOverride)}
}

func (m *Manager) SetLogAppender(a LogAppender) { m.appender = a }

func (m *Manager) appendLog(operation string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("failed to marshal log record", zap.Error(err))
		return
	}
	if _, err := m.store.AppendLogRecord(operation, payload); err != nil {
		m.logger.Warn("failed to append metadata log record", zap.Error(err))
	}
	if m.appender != nil {
		m.appender.Append(operation, v)
	}
}

// --- datanode registry (spec.md §4.3) ---

func (m *Manager) RegisterDataNode(req controlplane.RegisterDataNodeRequest) error {
	node := types.StorageNode{
		ID:             req.NodeID,
		Hostname:       req.Hostname,
		Port:           req.Port,
		TotalCapacity:  req.TotalCapacity,
		AvailableSpace: req.AvailableSpace,
		Status:         types.NodeActive,
		LastHeartbeat:  time.Now(),
		BlocksStored:   int64(len(req.BlockIDs)),
	}
	if err := m.store.PutDataNode(node); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.placement, req.NodeID)
	m.mu.Unlock()

	repaired, orphaned := m.reconcileReportedBlocks(req.NodeID, req.BlockIDs)

	m.logger.Info("datanode registered",
		zap.String("node_id", string(req.NodeID)),
		zap.Int("blocks_reported", len(req.BlockIDs)),
		zap.Int("locations_repaired", repaired),
		zap.Int("orphans_recorded", orphaned))
	m.appendLog("register_datanode", node)
	return nil
}

// reconcileReportedBlocks cross-references a datanode's self-reported
// block ids against the block catalogue at registration time: a block
// the catalogue knows about but has no location row for this node gets
// one added (the node held it all along, we just never heard about it,
// e.g. after a metadata restore). A block the catalogue has never heard
// of at all becomes an orphan candidate for the daily sweep to reclaim
// once its grace period has passed. Heartbeats don't carry a full block
// list (see controlplane.HeartbeatRequest), so this only runs at
// registration.
func (m *Manager) reconcileReportedBlocks(nodeID types.NodeID, blockIDs []types.BlockID) (repaired, orphaned int) {
	for _, bid := range blockIDs {
		if _, err := m.store.GetBlock(bid); err != nil {
			if dfserr.KindOf(err) != dfserr.NotFound {
				m.logger.Warn("failed to look up reported block", zap.String("block_id", string(bid)), zap.Error(err))
				continue
			}
			if err := m.store.PutOrphanBlockIfAbsent(metastore.OrphanBlock{BlockID: bid, NodeID: nodeID, FirstSeen: time.Now()}); err != nil {
				m.logger.Warn("failed to record orphan block", zap.String("block_id", string(bid)), zap.Error(err))
				continue
			}
			orphaned++
			continue
		}

		locs, err := m.store.GetBlockLocations(bid)
		if err != nil {
			m.logger.Warn("failed to look up block locations during reconciliation", zap.String("block_id", string(bid)), zap.Error(err))
			continue
		}
		held := false
		for _, l := range locs {
			if l.NodeID == nodeID {
				held = true
				break
			}
		}
		if held {
			continue
		}
		locs = append(locs, types.BlockLocation{BlockID: bid, NodeID: nodeID})
		if err := m.store.PutBlockLocations(bid, locs); err != nil {
			m.logger.Warn("failed to repair block location", zap.String("block_id", string(bid)), zap.Error(err))
			continue
		}
		repaired++
	}
	return repaired, orphaned
}

func (m *Manager) Heartbeat(req controlplane.HeartbeatRequest) error {
	node, err := m.store.GetDataNode(req.NodeID)
	if err != nil {
		return err
	}
	node.AvailableSpace = req.AvailableSpace
	node.BlocksStored = req.BlocksStored
	node.LastHeartbeat = time.Now()
	if node.Status == types.NodeInactive {
		node.Status = types.NodeActive
		m.logger.Info("datanode recovered", zap.String("node_id", string(req.NodeID)))
	}

	// A real heartbeat is authoritative; drop any in-memory placement
	// override this node was carrying so the next allocation sorts it by
	// its true reported state rather than a stale simulated one.
	m.mu.Lock()
	delete(m.placement, req.NodeID)
	m.mu.Unlock()

	return m.store.PutDataNode(node)
}

func (m *Manager) ListDataNodes() ([]types.StorageNode, error) {
	return m.store.ListDataNodes()
}

func (m *Manager) DataNode(id types.NodeID) (types.StorageNode, error) {
	return m.store.GetDataNode(id)
}

// GetBlockLocations exposes a single block's location list, used by the
// replication coordinator to decide how to heal it.
func (m *Manager) GetBlockLocations(id types.BlockID) ([]types.BlockLocation, error) {
	return m.store.GetBlockLocations(id)
}

// --- block and file lifecycle (spec.md §4.4, §8) ---

// AllocateBlock reserves a new block for a file (creating the file
// record on its first block) and chooses its initial replica set.
func (m *Manager) AllocateBlock(req controlplane.AllocateBlockRequest) (controlplane.AllocateBlockResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var file types.File
	var err error
	if req.FileID.ID != "" {
		file, err = m.store.GetFile(req.FileID.ID)
		if err != nil {
			return controlplane.AllocateBlockResponse{}, err
		}
	} else {
		if _, ferr := m.store.GetFileByPath(req.FileID.Path); ferr == nil {
			return controlplane.AllocateBlockResponse{}, dfserr.New(dfserr.AlreadyExists, fmt.Sprintf("file %s already exists", req.FileID.Path))
		}
		file = types.File{
			ID:        types.FileID(uuid.NewString()),
			Path:      req.FileID.Path,
			Owner:     req.FileID.Owner,
			CreatedAt: time.Now(),
		}
	}

	nodes, err := m.store.ListDataNodes()
	if err != nil {
		return controlplane.AllocateBlockResponse{}, err
	}
	m.applyPlacementOverrides(nodes)
	chosen, err := chooseNodes(nodes, m.cfg.ReplicationFactor, nil)
	if err != nil {
		return controlplane.AllocateBlockResponse{}, err
	}
	m.recordPlacementOverrides(chosen, req.Size)

	block := types.Block{
		ID:     types.BlockID(uuid.NewString()),
		FileID: file.ID,
		Index:  req.Index,
		Size:   req.Size,
	}

	file.Blocks = append(file.Blocks, block.ID)
	file.ModifiedAt = time.Now()

	if err := m.store.PutFile(file); err != nil {
		return controlplane.AllocateBlockResponse{}, err
	}
	if err := m.store.PutBlock(block); err != nil {
		return controlplane.AllocateBlockResponse{}, err
	}

	m.appendLog("allocate_block", AllocateBlockRecord{File: file, Block: block})
	return controlplane.AllocateBlockResponse{File: file, Block: block, Nodes: chosen}, nil
}

// applyPlacementOverrides simulates the effect of allocations already
// made in this process but not yet reflected in a heartbeat, so
// chooseNodes sees space and block counts that account for them instead
// of ranking every allocation in a tick against the same stale snapshot
// and always landing on the same pair.
func (m *Manager) applyPlacementOverrides(nodes []types.StorageNode) {
	if len(m.placement) == 0 {
		return
	}
	for i, n := range nodes {
		o, ok := m.placement[n.ID]
		if !ok {
			continue
		}
		nodes[i].AvailableSpace -= o.spaceDelta
		nodes[i].BlocksStored += o.blocksDelta
	}
}

// recordPlacementOverrides accumulates the space and block-count effect
// of an allocation onto every node it chose, so the next call to
// applyPlacementOverrides in this heartbeat window rotates away from
// them.
func (m *Manager) recordPlacementOverrides(chosen []types.StorageNode, size int64) {
	for _, n := range chosen {
		o := m.placement[n.ID]
		o.spaceDelta += size
		o.blocksDelta++
		m.placement[n.ID] = o
	}
}

// AllocateBlockRecord is the replicated-log payload for "allocate_block":
// both the updated file (new Blocks entry) and the new block, so a
// follower applying the record ends up with the same ids the leader
// chose rather than generating its own.
type AllocateBlockRecord struct {
	File  types.File  `json:"file"`
	Block types.Block `json:"block"`
}

// CommitBlock records that a replica landed successfully on a node.
func (m *Manager) CommitBlock(req controlplane.CommitBlockRequest) error {
	block, err := m.store.GetBlock(req.BlockID)
	if err != nil {
		return err
	}
	if block.Checksum == "" {
		block.Checksum = req.Checksum
		if err := m.store.PutBlock(block); err != nil {
			return err
		}
	} else if block.Checksum != req.Checksum {
		return dfserr.New(dfserr.Integrity, fmt.Sprintf("block %s committed with mismatching checksum", req.BlockID))
	}

	locs, err := m.store.GetBlockLocations(req.BlockID)
	if err != nil {
		return err
	}
	for i, l := range locs {
		if l.NodeID == req.NodeID {
			locs[i].IsLeader = req.IsLeader
			locs[i].Suspect = false
			if err := m.store.PutBlockLocations(req.BlockID, locs); err != nil {
				return err
			}
			m.appendLog("commit_block", req)
			return nil
		}
	}
	locs = append(locs, types.BlockLocation{BlockID: req.BlockID, NodeID: req.NodeID, IsLeader: req.IsLeader})
	if err := m.store.PutBlockLocations(req.BlockID, locs); err != nil {
		return err
	}
	m.appendLog("commit_block", req)
	return nil
}

// FinalizeFile marks a file's total size once the client has finished
// writing every block. The file record itself already exists, and is
// visible to Ls/Get, from its first AllocateBlock.
func (m *Manager) FinalizeFile(req controlplane.FinalizeFileRequest) (types.File, error) {
	file, err := m.store.GetFile(req.FileID)
	if err != nil {
		return types.File{}, err
	}
	file.Size = req.Size
	file.ModifiedAt = time.Now()
	if err := m.store.PutFile(file); err != nil {
		return types.File{}, err
	}
	m.appendLog("finalize_file", file)
	return file, nil
}

func (m *Manager) GetFileByPath(p string) (types.File, error) {
	return m.store.GetFileByPath(p)
}

func (m *Manager) GetFile(id types.FileID) (types.File, error) {
	return m.store.GetFile(id)
}

// BlockLocations answers where every block of a file currently lives.
func (m *Manager) BlockLocations(fileID types.FileID) (controlplane.BlockLocationsResponse, error) {
	file, err := m.store.GetFile(fileID)
	if err != nil {
		return controlplane.BlockLocationsResponse{}, err
	}
	locs := make(map[types.BlockID][]types.BlockLocation, len(file.Blocks))
	for _, bid := range file.Blocks {
		l, err := m.store.GetBlockLocations(bid)
		if err != nil {
			return controlplane.BlockLocationsResponse{}, err
		}
		locs[bid] = l
	}
	return controlplane.BlockLocationsResponse{File: file, Locations: locs}, nil
}

// RemoveFile deletes a file's metadata and block catalogue entries,
// returning each block's last-known locations so the caller can dispatch
// best-effort physical deletion to the storage nodes that held it
// (DeleteBlock happens out of band, not inside this transaction).
func (m *Manager) RemoveFile(p string) (map[types.BlockID][]types.BlockLocation, error) {
	file, err := m.store.GetFileByPath(p)
	if err != nil {
		return nil, err
	}
	removed := make(map[types.BlockID][]types.BlockLocation, len(file.Blocks))
	for _, bid := range file.Blocks {
		locs, err := m.store.GetBlockLocations(bid)
		if err != nil {
			m.logger.Warn("failed to read block locations before removal", zap.String("block_id", string(bid)), zap.Error(err))
		}
		removed[bid] = locs
		m.store.DeleteBlockLocations(bid)
		m.store.DeleteBlock(bid)
	}
	if err := m.store.DeleteFile(file.ID); err != nil {
		return removed, err
	}
	m.appendLog("remove_file", file)
	return removed, nil
}

// ReportBadReplica marks a block's location on nodeID Suspect, the same
// flag SweepStaleNodes sets on a lost node's replicas, so the
// replication coordinator's DegradedBlocks scan picks it up and heals it
// onto a different node without any separate deletion path.
func (m *Manager) ReportBadReplica(blockID types.BlockID, nodeID types.NodeID) error {
	locs, err := m.store.GetBlockLocations(blockID)
	if err != nil {
		return err
	}
	found := false
	for i, l := range locs {
		if l.NodeID == nodeID {
			locs[i].Suspect = true
			found = true
		}
	}
	if !found {
		return dfserr.New(dfserr.NotFound, fmt.Sprintf("block %s has no location on node %s", blockID, nodeID))
	}
	if err := m.store.PutBlockLocations(blockID, locs); err != nil {
		return err
	}
	m.logger.Warn("replica reported bad, marked suspect for healing", zap.String("block_id", string(blockID)), zap.String("node_id", string(nodeID)))
	m.appendLog("report_bad_replica", BadReplicaRecord{BlockID: blockID, NodeID: nodeID})
	return nil
}

// BadReplicaRecord is the replicated-log payload for "report_bad_replica".
type BadReplicaRecord struct {
	BlockID types.BlockID `json:"block_id"`
	NodeID  types.NodeID  `json:"node_id"`
}

// ChooseReplacementNode picks a new node to hold a replica of a
// degraded block, excluding nodes that already hold one.
func (m *Manager) ChooseReplacementNode(exclude map[types.NodeID]bool) (types.StorageNode, error) {
	nodes, err := m.store.ListDataNodes()
	if err != nil {
		return types.StorageNode{}, err
	}
	return chooseReplacementNode(nodes, exclude)
}

func (m *Manager) Block(id types.BlockID) (types.Block, error) {
	return m.store.GetBlock(id)
}

// ClusterSnapshot answers the cluster-wide gauges pkg/metrics refreshes
// on a timer; see metrics.ClusterSnapshotSource.
func (m *Manager) ClusterSnapshot() (activeNodes, inactiveNodes, files, blocks, degradedBlocks int) {
	nodes, err := m.store.ListDataNodes()
	if err != nil {
		m.logger.Warn("cluster snapshot failed to list datanodes", zap.Error(err))
		return 0, 0, 0, 0, 0
	}
	for _, n := range nodes {
		if n.Status == types.NodeActive {
			activeNodes++
		} else {
			inactiveNodes++
		}
	}

	fileList, err := m.store.ListFilesUnderPath("/")
	if err != nil {
		m.logger.Warn("cluster snapshot failed to list files", zap.Error(err))
	} else {
		files = len(fileList)
		for _, f := range fileList {
			blocks += len(f.Blocks)
		}
	}

	degraded, err := m.DegradedBlocks()
	if err != nil {
		m.logger.Warn("cluster snapshot failed to compute degraded blocks", zap.Error(err))
	} else {
		degradedBlocks = len(degraded)
	}
	return
}

func (m *Manager) Store() *metastore.Store { return m.store }

func (m *Manager) Config() config.MetadataConfig { return m.cfg }
