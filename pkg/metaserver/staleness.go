package metaserver

import (
	"time"

	"go.uber.org/zap"

	"dfs/pkg/types"
)

// staleAfter is how long a node may go without a heartbeat before the
// sweep marks it INACTIVE, derived from the configured heartbeat
// interval and miss threshold (spec.md §4.3).
func (m *Manager) staleAfter() time.Duration {
	return m.cfg.HeartbeatInterval * time.Duration(m.cfg.HeartbeatMissThreshold)
}

// SweepStaleNodes marks any node whose last heartbeat is older than
// staleAfter as INACTIVE, then marks every block location pointing at it
// Suspect so the replication coordinator picks the block up. Returns the
// node ids it just marked inactive, for logging/metrics.
func (m *Manager) SweepStaleNodes() ([]types.NodeID, error) {
	nodes, err := m.store.ListDataNodes()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-m.staleAfter())
	var demoted []types.NodeID
	for _, n := range nodes {
		if n.Status != types.NodeActive {
			continue
		}
		if n.LastHeartbeat.Before(cutoff) {
			n.Status = types.NodeInactive
			if err := m.store.PutDataNode(n); err != nil {
				return demoted, err
			}
			demoted = append(demoted, n.ID)
			m.logger.Warn("datanode marked inactive after missed heartbeats", zap.String("node_id", string(n.ID)), zap.Time("last_heartbeat", n.LastHeartbeat))
		}
	}

	if len(demoted) == 0 {
		return demoted, nil
	}

	demotedSet := make(map[types.NodeID]bool, len(demoted))
	for _, id := range demoted {
		demotedSet[id] = true
	}

	all, err := m.store.AllBlockLocations()
	if err != nil {
		return demoted, err
	}
	for blockID, locs := range all {
		changed := false
		for i, l := range locs {
			if demotedSet[l.NodeID] && !l.Suspect {
				locs[i].Suspect = true
				changed = true
			}
		}
		if changed {
			if err := m.store.PutBlockLocations(blockID, locs); err != nil {
				return demoted, err
			}
		}
	}
	return demoted, nil
}

// DegradedBlocks returns every block whose committed, non-suspect
// replica count has fallen below the replication factor — the set the
// replication coordinator drains.
func (m *Manager) DegradedBlocks() ([]types.BlockID, error) {
	all, err := m.store.AllBlockLocations()
	if err != nil {
		return nil, err
	}
	var degraded []types.BlockID
	for blockID, locs := range all {
		if !types.Committed(locs, m.cfg.ReplicationFactor) {
			degraded = append(degraded, blockID)
		}
	}
	return degraded, nil
}
