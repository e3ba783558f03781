// Package dnrpc defines the storage-node data-plane service: the six
// RPCs storage nodes expose to each other and to the client coordinator
// (spec.md §4.2, §6 data-plane schema). There is no protoc-generated
// stub backing these types — see pkg/rpcjson for why — so every request
// and response here is a plain struct with json tags, carried over a
// real grpc.ClientConn under the "proto" content-subtype.
package dnrpc

import "dfs/pkg/types"

// StoreBlockRequest carries the full block payload in one RPC; spec.md
// caps block size low enough that streaming isn't required on this leg.
//
// FileID and Followers are set only on the client's initial write to the
// leader: they tell the node it has just become leader for this block
// and who else should hold a copy, so it can drive the replication
// handshake itself instead of the client dialing every replica.
// ReplicateBlock/TransferBlock calls between nodes never set them.
type StoreBlockRequest struct {
	BlockID types.BlockID `json:"block_id"`
	FileID  types.FileID  `json:"file_id,omitempty"`
	Data    []byte        `json:"data"`
	// Compressed marks Data as gzip of the original payload; the node
	// decompresses before checksumming and storing, so Block.Checksum is
	// always a digest of the uncompressed bytes regardless of how they
	// arrived on the wire.
	Compressed bool                 `json:"compressed"`
	Checksum   string               `json:"checksum"`
	Followers  []types.StorageNode  `json:"followers,omitempty"`
}

type StoreBlockResponse struct {
	Checksum string `json:"checksum"`
}

type RetrieveBlockRequest struct {
	BlockID types.BlockID `json:"block_id"`
}

type RetrieveBlockResponse struct {
	Data     []byte `json:"data"`
	Checksum string `json:"checksum"`
}

// ReplicateBlockRequest asks a node holding a block to push it to
// TargetNode directly, node-to-node, bypassing the client.
type ReplicateBlockRequest struct {
	BlockID    types.BlockID `json:"block_id"`
	TargetNode types.NodeID  `json:"target_node"`
	TargetAddr string        `json:"target_addr"`
}

type ReplicateBlockResponse struct {
	Checksum string `json:"checksum"`
}

// TransferBlockRequest asks a healthy holder of a block to push it to a
// replacement node; the replication coordinator calls this (not
// ReplicateBlock) when re-replicating after a node is lost, keeping the
// two call sites — leader-driven initial replication vs.
// coordinator-driven healing — on distinct RPCs even though both move
// bytes node-to-node the same way.
type TransferBlockRequest struct {
	BlockID    types.BlockID `json:"block_id"`
	TargetAddr string        `json:"target_addr"`
}

type TransferBlockResponse struct {
	Checksum string `json:"checksum"`
}

type CheckBlockRequest struct {
	BlockID types.BlockID `json:"block_id"`
}

type CheckBlockResponse struct {
	Exists   bool   `json:"exists"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type DeleteBlockRequest struct {
	BlockID types.BlockID `json:"block_id"`
}

type DeleteBlockResponse struct{}
