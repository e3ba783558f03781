// Package harpc defines the metadata peer service used by the HA
// controller to run leader election and keep the follower's metadata in
// sync (spec.md §4.6). Like pkg/dnrpc, these are plain JSON-tagged
// structs carried over grpc with no protoc-generated stub.
package harpc

import "dfs/pkg/types"

type RequestVoteRequest struct {
	Term         int64        `json:"term"`
	CandidateID  types.NodeID `json:"candidate_id"`
	LastLogIndex int64        `json:"last_log_index"`
}

type RequestVoteResponse struct {
	Term        int64 `json:"term"`
	VoteGranted bool  `json:"vote_granted"`
}

// HeartbeatRequest is sent by the current leader on every tick; a
// follower that has not seen one within its election timeout starts a
// new election.
type HeartbeatRequest struct {
	Term     int64        `json:"term"`
	LeaderID types.NodeID `json:"leader_id"`
}

type HeartbeatResponse struct {
	Term    int64 `json:"term"`
	Success bool  `json:"success"`
}

// SyncMetadataRequest ships a batch of namespace/block-catalogue mutation
// records from leader to follower, applied in order.
type SyncMetadataRequest struct {
	Term    int64            `json:"term"`
	Records []MetadataRecord `json:"records"`
}

// MetadataRecord is an opaque, ordered log entry; the follower applies
// it to its own bbolt store the same way the leader applied it to its
// own before replying.
type MetadataRecord struct {
	Sequence  int64  `json:"sequence"`
	Operation string `json:"operation"`
	Payload   []byte `json:"payload"`
}

type SyncMetadataResponse struct {
	AppliedThrough int64 `json:"applied_through"`
	Success        bool  `json:"success"`
}
