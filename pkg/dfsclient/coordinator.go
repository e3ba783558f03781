// Package dfsclient is the client coordinator: splitting a local file
// into blocks, uploading each to its assigned replica set, and the
// reverse for downloads (spec.md §4.7). Grounded on
// storage.ChunkManager (splitting) and coordinator_streaming.go's
// semaphore-bounded-goroutine pattern for the concurrent block pool.
package dfsclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dfs/pkg/controlplane"
	"dfs/pkg/dfserr"
	"dfs/pkg/dnrpc"
	"dfs/pkg/types"
)

// MaxConcurrentBlocks bounds how many blocks are in flight at once,
// mirroring the MaxConcurrentChunks semaphore in
// coordinator_streaming.go.
const MaxConcurrentBlocks = 8

type Client struct {
	controlPlaneAddr string
	blockSize        int64
	compress         bool
	http             *http.Client
	logger           *zap.Logger
}

func New(controlPlaneAddr string, blockSize int64, compress bool, logger *zap.Logger) *Client {
	return &Client{
		controlPlaneAddr: controlPlaneAddr,
		blockSize:        blockSize,
		compress:         compress,
		http:             &http.Client{},
		logger:           logger,
	}
}

// Put uploads localPath into the namespace at remotePath, splitting it
// into fixed-size blocks and uploading each to its full replica set
// with bounded concurrency.
func (c *Client) Put(ctx context.Context, localPath, remotePath, owner string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	fileRef := controlplane.FileRef{Path: remotePath, Owner: owner}
	var fileID types.FileID

	if info.Size() == 0 {
		// still gets one zero-size block, so Get's block-by-block
		// reassembly has something to iterate over.
		allocResp, err := c.allocateBlock(ctx, fileRef, 0, 0)
		if err != nil {
			return err
		}
		fileID = allocResp.File.ID
		if err := c.uploadBlock(ctx, allocResp.Block, allocResp.Nodes, nil); err != nil {
			return err
		}
		_, err = c.finalizeFile(ctx, fileID, 0)
		return err
	}

	sem := make(chan struct{}, MaxConcurrentBlocks)
	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	var mu sync.Mutex

	index := 0
	buf := make([]byte, c.blockSize)
	for {
		n, readErr := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		chunk := append([]byte(nil), buf[:n]...)

		mu.Lock()
		ref := fileRef
		if fileID != "" {
			ref = controlplane.FileRef{ID: fileID}
		}
		mu.Unlock()

		allocResp, err := c.allocateBlock(ctx, ref, index, int64(n))
		if err != nil {
			return err
		}
		mu.Lock()
		fileID = allocResp.File.ID
		mu.Unlock()

		sem <- struct{}{}
		wg.Add(1)
		go func(block types.Block, nodes []types.StorageNode, data []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.uploadBlock(ctx, block, nodes, data); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(allocResp.Block, allocResp.Nodes, chunk)

		index++
		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read local file: %w", readErr)
		}
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
	}

	_, err = c.finalizeFile(ctx, fileID, info.Size())
	return err
}

// uploadBlock writes the block to its leader only — nodes[0], as chosen
// by AllocateBlock's placement — carrying the rest of the replica set as
// Followers so the leader drives ReplicateBlock to each of them itself
// and reports every resulting location back to the metadata manager.
// The client never dials a follower directly.
func (c *Client) uploadBlock(ctx context.Context, block types.Block, nodes []types.StorageNode, data []byte) error {
	if len(nodes) == 0 {
		return dfserr.New(dfserr.NoEligibleNodes, fmt.Sprintf("block %s has no assigned nodes", block.ID))
	}
	payload := data
	if c.compress {
		payload = compressBlock(data)
	}
	return c.storeOnLeader(ctx, nodes[0], nodes[1:], block.FileID, block.ID, payload)
}

func (c *Client) storeOnLeader(ctx context.Context, leader types.StorageNode, followers []types.StorageNode, fileID types.FileID, blockID types.BlockID, data []byte) error {
	conn, err := grpc.DialContext(ctx, leader.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return dfserr.Wrap(dfserr.Transient, fmt.Sprintf("failed to dial leader node %s", leader.ID), err)
	}
	defer conn.Close()

	_, err = dnrpc.NewClient(conn).StoreBlock(ctx, &dnrpc.StoreBlockRequest{
		BlockID:    blockID,
		FileID:     fileID,
		Data:       data,
		Compressed: c.compress,
		Followers:  followers,
	})
	if err != nil {
		return err
	}
	return nil
}

// Get downloads remotePath into localPath, reassembling blocks in
// order. Each block's checksum is verified by the storage node that
// serves it, against the digest it stored with the block; the client
// does not compare the data against the catalogue's Block.Checksum.
func (c *Client) Get(ctx context.Context, remotePath, localPath string) error {
	file, err := c.getFile(ctx, remotePath)
	if err != nil {
		return err
	}
	locResp, err := c.blockLocations(ctx, remotePath)
	if err != nil {
		return err
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer out.Close()

	for _, blockID := range file.Blocks {
		locs := locResp.Locations[blockID]
		data, err := c.downloadBlock(ctx, blockID, locs)
		if err != nil {
			return err
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("failed to write local file: %w", err)
		}
	}
	return nil
}

func (c *Client) downloadBlock(ctx context.Context, blockID types.BlockID, locs []types.BlockLocation) ([]byte, error) {
	ordered := append([]types.BlockLocation(nil), locs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].IsLeader && !ordered[j].IsLeader })

	var lastErr error
	for _, loc := range ordered {
		if loc.Suspect {
			continue
		}
		node, err := c.dataNode(ctx, loc.NodeID)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := c.retrieveFromNode(ctx, node, blockID)
		if err != nil {
			lastErr = err
			if isIntegrityFailure(err) {
				if reportErr := c.reportBadReplica(ctx, blockID, loc.NodeID); reportErr != nil {
					c.logger.Warn("failed to report bad replica", zap.String("block_id", string(blockID)), zap.String("node_id", string(loc.NodeID)), zap.Error(reportErr))
				}
			}
			continue
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = dfserr.New(dfserr.NotFound, fmt.Sprintf("block %s has no available replicas", blockID))
	}
	return nil, lastErr
}

// isIntegrityFailure recognizes a checksum mismatch surfaced by a
// storage node's RetrieveBlock. The RPC crosses a grpc status boundary
// that discards the original *dfserr.Error, so the kind has to be
// recovered from the message text with dfserr.KindOfMessage instead of
// dfserr.KindOf.
func isIntegrityFailure(err error) bool {
	return dfserr.KindOf(err) == dfserr.Integrity || dfserr.KindOfMessage(err.Error()) == dfserr.Integrity
}

func (c *Client) reportBadReplica(ctx context.Context, blockID types.BlockID, nodeID types.NodeID) error {
	return c.do(ctx, http.MethodPost, "/blocks/report-bad", controlplane.ReportBadReplicaRequest{BlockID: blockID, NodeID: nodeID}, nil)
}

func (c *Client) retrieveFromNode(ctx context.Context, node types.StorageNode, blockID types.BlockID) ([]byte, error) {
	conn, err := grpc.DialContext(ctx, node.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, dfserr.Wrap(dfserr.Transient, fmt.Sprintf("failed to dial storage node %s", node.ID), err)
	}
	defer conn.Close()

	resp, err := dnrpc.NewClient(conn).RetrieveBlock(ctx, &dnrpc.RetrieveBlockRequest{BlockID: blockID})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func compressBlock(data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.controlPlaneAddr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return dfserr.Wrap(dfserr.Transient, "failed to reach control plane", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTemporaryRedirect {
		return dfserr.New(dfserr.Transient, "control plane redirected to a different leader; retry")
	}
	if resp.StatusCode >= 300 {
		var apiErr controlplane.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return dfserr.New(kindFromString(apiErr.Kind), apiErr.Message)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func kindFromString(s string) dfserr.Kind {
	for k := dfserr.Unknown; k <= dfserr.Conflict; k++ {
		if k.String() == s {
			return k
		}
	}
	return dfserr.Unknown
}

func (c *Client) allocateBlock(ctx context.Context, ref controlplane.FileRef, index int, size int64) (controlplane.AllocateBlockResponse, error) {
	var resp controlplane.AllocateBlockResponse
	err := c.do(ctx, http.MethodPost, "/blocks/allocate", controlplane.AllocateBlockRequest{FileID: ref, Index: index, Size: size}, &resp)
	return resp, err
}

func (c *Client) finalizeFile(ctx context.Context, fileID types.FileID, size int64) (types.File, error) {
	var resp controlplane.FinalizeFileResponse
	err := c.do(ctx, http.MethodPost, "/blocks/finalize", controlplane.FinalizeFileRequest{FileID: fileID, Size: size}, &resp)
	return resp.File, err
}

func (c *Client) getFile(ctx context.Context, path string) (types.File, error) {
	var file types.File
	err := c.do(ctx, http.MethodGet, "/files"+path, nil, &file)
	return file, err
}

func (c *Client) blockLocations(ctx context.Context, path string) (controlplane.BlockLocationsResponse, error) {
	var resp controlplane.BlockLocationsResponse
	err := c.do(ctx, http.MethodGet, "/files"+path+"/locations", nil, &resp)
	return resp, err
}

func (c *Client) dataNode(ctx context.Context, id types.NodeID) (types.StorageNode, error) {
	var nodes []types.StorageNode
	if err := c.do(ctx, http.MethodGet, "/datanodes", nil, &nodes); err != nil {
		return types.StorageNode{}, err
	}
	for _, n := range nodes {
		if n.ID == id {
			return n, nil
		}
	}
	return types.StorageNode{}, dfserr.New(dfserr.NotFound, fmt.Sprintf("datanode %s not found", id))
}

// Mkdir, Rmdir, Ls, Rm are thin control-plane wrappers for the CLI shell.

func (c *Client) Mkdir(ctx context.Context, path, owner string) error {
	return c.do(ctx, http.MethodPost, "/dirs", controlplane.MkdirRequest{Path: path, Owner: owner}, nil)
}

func (c *Client) Rmdir(ctx context.Context, path string, recursive bool) error {
	if recursive {
		return c.do(ctx, http.MethodDelete, "/dirs"+path+"?recursive=true", nil, nil)
	}
	return c.do(ctx, http.MethodDelete, "/dirs"+path, nil, nil)
}

func (c *Client) Ls(ctx context.Context, path string) ([]string, error) {
	var children []string
	err := c.do(ctx, http.MethodGet, "/dirs"+path, nil, &children)
	return children, err
}

func (c *Client) Rm(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/files"+path, nil, nil)
}

func (c *Client) Info(ctx context.Context, path string) (types.File, error) {
	return c.getFile(ctx, path)
}

func (c *Client) Status(ctx context.Context) (controlplane.StatusResponse, error) {
	var resp controlplane.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}
