package replication

import (
	"dfs/pkg/controlplane"
	"dfs/pkg/types"
)

func commitRequestFor(fileID types.FileID, blockID types.BlockID, nodeID types.NodeID, checksum string) controlplane.CommitBlockRequest {
	return controlplane.CommitBlockRequest{
		FileID:   fileID,
		BlockID:  blockID,
		NodeID:   nodeID,
		Checksum: checksum,
		IsLeader: false,
	}
}
