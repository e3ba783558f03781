// Package controlplane exposes the HTTP+JSON control API described in
// spec.md §6: namespace operations, file metadata, and datanode
// registration/heartbeat. It is the only HTTP surface in the module —
// the data plane (pkg/dnrpc) and HA peer channel (pkg/harpc) are both
// grpc. Grounded on Gammanik-distributed-storage's internal/api/handlers.go
// and cmd/rest-server/main.go's gorilla/mux route table.
package controlplane

import "dfs/pkg/types"

// RegisterDataNodeRequest is sent once by a storage node at startup.
type RegisterDataNodeRequest struct {
	NodeID         types.NodeID `json:"node_id"`
	Hostname       string       `json:"hostname"`
	Port           int          `json:"port"`
	TotalCapacity  int64        `json:"total_capacity"`
	AvailableSpace int64        `json:"available_space"`
	BlockIDs       []types.BlockID `json:"block_ids"`
}

type RegisterDataNodeResponse struct {
	Accepted bool `json:"accepted"`
}

// HeartbeatRequest is sent on every heartbeat tick by a registered node.
type HeartbeatRequest struct {
	NodeID         types.NodeID `json:"node_id"`
	AvailableSpace int64        `json:"available_space"`
	BlocksStored   int64        `json:"blocks_stored"`
}

type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// AllocateBlockRequest asks the metadata manager to choose placement
// for a new block and reserve it against the file being written.
type AllocateBlockRequest struct {
	FileID FileRef `json:"file_id"`
	Index  int     `json:"index"`
	Size   int64   `json:"size"`
}

// FileRef lets AllocateBlockRequest carry either an existing file id or
// a fresh path+owner pair for the first block of a new file.
type FileRef struct {
	ID    types.FileID `json:"id,omitempty"`
	Path  string       `json:"path,omitempty"`
	Owner string       `json:"owner,omitempty"`
}

type AllocateBlockResponse struct {
	File  types.File            `json:"file"`
	Block types.Block           `json:"block"`
	Nodes []types.StorageNode   `json:"nodes"`
}

// CommitBlockRequest reports that a block was successfully stored on at
// least one node, carrying its verified checksum.
type CommitBlockRequest struct {
	FileID   types.FileID  `json:"file_id"`
	BlockID  types.BlockID `json:"block_id"`
	NodeID   types.NodeID  `json:"node_id"`
	Checksum string        `json:"checksum"`
	IsLeader bool          `json:"is_leader"`
}

type CommitBlockResponse struct {
	Committed bool `json:"committed"`
}

type FinalizeFileRequest struct {
	FileID types.FileID `json:"file_id"`
	Size   int64        `json:"size"`
}

type FinalizeFileResponse struct {
	File types.File `json:"file"`
}

// BlockLocationsResponse answers "where are the blocks of this file".
type BlockLocationsResponse struct {
	File      types.File                          `json:"file"`
	Locations map[types.BlockID][]types.BlockLocation `json:"locations"`
}

type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type MkdirRequest struct {
	Path  string `json:"path"`
	Owner string `json:"owner"`
}

// ReportBadReplicaRequest lets the client report a replica that failed
// its checksum (a replica that merely refused a connection is not
// reported), so the metadata manager can mark
// it Suspect and let the replication coordinator heal it onto a
// different node instead of leaving a silently corrupt copy in rotation.
type ReportBadReplicaRequest struct {
	BlockID types.BlockID `json:"block_id"`
	NodeID  types.NodeID  `json:"node_id"`
}

type ReportBadReplicaResponse struct {
	Reported bool `json:"reported"`
}

type StatusResponse struct {
	Leader       types.NodeID        `json:"leader"`
	IsLeader     bool                `json:"is_leader"`
	Term         int64               `json:"term"`
	Nodes        []types.StorageNode `json:"nodes"`
	FileCount    int                 `json:"file_count"`
	BlockCount   int                 `json:"block_count"`
	DegradedBlocks []types.BlockID   `json:"degraded_blocks"`
}
