package metaserver

import (
	"sort"

	"github.com/samber/lo"

	"dfs/pkg/dfserr"
	"dfs/pkg/types"
)

// chooseNodes picks replicationFactor distinct ACTIVE nodes, preferring
// the most free space, then the fewest blocks already stored, then
// breaking remaining ties by lexicographic node id — the deterministic
// order spec.md's Open Questions section mandates. Generalizes the
// teacher's DistributionStrategy.AllocateChunks round-robin into a real
// load-aware choice.
func chooseNodes(nodes []types.StorageNode, replicationFactor int, exclude map[types.NodeID]bool) ([]types.StorageNode, error) {
	eligible := lo.Filter(nodes, func(n types.StorageNode, _ int) bool {
		return n.Status == types.NodeActive && !exclude[n.ID]
	})

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.AvailableSpace != b.AvailableSpace {
			return a.AvailableSpace > b.AvailableSpace
		}
		if a.BlocksStored != b.BlocksStored {
			return a.BlocksStored < b.BlocksStored
		}
		return a.ID < b.ID
	})

	if len(eligible) < replicationFactor {
		return nil, dfserr.New(dfserr.NoEligibleNodes, "not enough active storage nodes to satisfy the replication factor")
	}

	return eligible[:replicationFactor], nil
}

// chooseReplacementNode picks one node to receive a replica that is not
// already holding the block, used by the replication coordinator when a
// location is lost.
func chooseReplacementNode(nodes []types.StorageNode, exclude map[types.NodeID]bool) (types.StorageNode, error) {
	picked, err := chooseNodes(nodes, 1, exclude)
	if err != nil {
		return types.StorageNode{}, err
	}
	return picked[0], nil
}
