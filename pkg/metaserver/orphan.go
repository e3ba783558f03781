package metaserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dfs/pkg/dnrpc"
	"dfs/pkg/types"
)

// orphanGracePeriod is how long a block reported by a node but unknown
// to the catalogue sits before the sweep reclaims it — long enough to
// survive a registration racing an in-flight AllocateBlock/CommitBlock
// that just hasn't landed in the catalogue yet.
const orphanGracePeriod = 24 * time.Hour

// SweepOrphanBlocks deletes every orphan record older than
// orphanGracePeriod off the node that reported it and drops the record.
// Runs once a day; a record whose block has since appeared in the
// catalogue (its allocation landed after the node reported it) is dropped
// without deleting the block.
func (m *Manager) SweepOrphanBlocks() error {
	orphans, err := m.store.ListOrphanBlocks()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-orphanGracePeriod)
	reclaimed := 0
	for _, o := range orphans {
		if o.FirstSeen.After(cutoff) {
			continue
		}
		if _, err := m.store.GetBlock(o.BlockID); err == nil {
			m.store.DeleteOrphanBlock(o.BlockID)
			continue
		}
		node, err := m.store.GetDataNode(o.NodeID)
		if err != nil {
			m.logger.Warn("orphan sweep: reporting node gone, dropping record", zap.String("block_id", string(o.BlockID)), zap.String("node_id", string(o.NodeID)))
			m.store.DeleteOrphanBlock(o.BlockID)
			continue
		}
		if err := m.deleteOrphanOnNode(node.Address(), o.BlockID); err != nil {
			m.logger.Warn("orphan sweep: delete failed, will retry next run", zap.String("block_id", string(o.BlockID)), zap.String("node_id", string(o.NodeID)), zap.Error(err))
			continue
		}
		if err := m.store.DeleteOrphanBlock(o.BlockID); err != nil {
			m.logger.Warn("orphan sweep: failed to clear record after delete", zap.String("block_id", string(o.BlockID)), zap.Error(err))
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		m.logger.Info("orphan block sweep reclaimed blocks", zap.Int("count", reclaimed))
	}
	return nil
}

func (m *Manager) deleteOrphanOnNode(addr string, blockID types.BlockID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = dnrpc.NewClient(conn).DeleteBlock(ctx, &dnrpc.DeleteBlockRequest{BlockID: blockID})
	return err
}
