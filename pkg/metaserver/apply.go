package metaserver

import (
	"encoding/json"
	"fmt"

	"dfs/pkg/controlplane"
	"dfs/pkg/types"
)

// ApplyRecord replays one entry from the leader's replicated metadata
// log against this node's own store. It is only ever called on a
// follower (pkg/ha's Controller.SyncMetadata), which trusts the leader
// to have already validated the mutation.
func (m *Manager) ApplyRecord(operation string, payload []byte) error {
	switch operation {
	case "mkdir":
		var d types.Directory
		if err := json.Unmarshal(payload, &d); err != nil {
			return err
		}
		return m.store.PutDirectory(d)

	case "rmdir":
		var path string
		if err := json.Unmarshal(payload, &path); err != nil {
			return err
		}
		return m.store.DeleteDirectory(path)

	case "allocate_block":
		var rec AllocateBlockRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return err
		}
		if err := m.store.PutFile(rec.File); err != nil {
			return err
		}
		return m.store.PutBlock(rec.Block)

	case "commit_block":
		var req controlplane.CommitBlockRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return err
		}
		return m.CommitBlock(req)

	case "finalize_file":
		var f types.File
		if err := json.Unmarshal(payload, &f); err != nil {
			return err
		}
		return m.store.PutFile(f)

	case "remove_file":
		var f types.File
		if err := json.Unmarshal(payload, &f); err != nil {
			return err
		}
		for _, bid := range f.Blocks {
			m.store.DeleteBlockLocations(bid)
			m.store.DeleteBlock(bid)
		}
		return m.store.DeleteFile(f.ID)

	case "register_datanode":
		var n types.StorageNode
		if err := json.Unmarshal(payload, &n); err != nil {
			return err
		}
		return m.store.PutDataNode(n)

	case "report_bad_replica":
		var rec BadReplicaRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return err
		}
		return m.ReportBadReplica(rec.BlockID, rec.NodeID)

	default:
		return fmt.Errorf("unknown replicated operation %q", operation)
	}
}
