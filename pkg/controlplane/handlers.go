package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"dfs/pkg/dfserr"
	"dfs/pkg/dnrpc"
	"dfs/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}

// statusFor maps a dfserr.Kind to the HTTP status the spec.md §7 error
// taxonomy implies, the way Gammanik's handlers.go maps store errors to
// status codes.
func statusFor(kind dfserr.Kind) int {
	switch kind {
	case dfserr.NotFound:
		return http.StatusNotFound
	case dfserr.AlreadyExists, dfserr.Conflict:
		return http.StatusConflict
	case dfserr.InvariantViolation:
		return http.StatusBadRequest
	case dfserr.CapacityExceeded, dfserr.NoEligibleNodes:
		return http.StatusServiceUnavailable
	case dfserr.Transient:
		return http.StatusServiceUnavailable
	case dfserr.Integrity:
		return http.StatusConflict
	case dfserr.Fatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	kind := dfserr.KindOf(err)
	h.logger.Debug("request failed", zap.Error(err), zap.String("kind", kind.String()))
	writeError(w, statusFor(kind), ErrorResponse{Kind: kind.String(), Message: err.Error()})
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.manager.ListDataNodes()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	degraded, err := h.manager.DegradedBlocks()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	resp := StatusResponse{Nodes: nodes, DegradedBlocks: degraded}
	if h.ha != nil {
		resp.IsLeader = h.ha.IsLeader()
		resp.Term = h.ha.Term()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req MkdirRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "InvalidRequest", Message: err.Error()})
		return
	}
	dir, err := h.manager.Mkdir(req.Path, req.Owner)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dir)
}

func (h *Handler) handleLs(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["path"]
	children, err := h.manager.Ls("/" + p)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, children)
}

func (h *Handler) handleRmdir(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["path"]
	recursive, _ := strconv.ParseBool(r.URL.Query().Get("recursive"))
	removed, err := h.manager.Rmdir("/"+p, recursive)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.deleteBlocksBestEffort(removed)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["path"]
	file, err := h.manager.GetFileByPath("/" + p)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (h *Handler) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["path"]
	removed, err := h.manager.RemoveFile("/" + p)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.deleteBlocksBestEffort(removed)
	w.WriteHeader(http.StatusNoContent)
}

// deleteBlocksBestEffort dispatches a DeleteBlock RPC to every location a
// just-removed block held, so bytes don't sit orphaned on storage nodes
// forever. A node that's unreachable or already gone is logged and
// skipped — physical cleanup here is advisory, the metadata deletion
// already committed.
func (h *Handler) deleteBlocksBestEffort(removed map[types.BlockID][]types.BlockLocation) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for blockID, locs := range removed {
		for _, loc := range locs {
			node, err := h.manager.DataNode(loc.NodeID)
			if err != nil {
				h.logger.Warn("skipping block delete, node unknown", zap.String("block_id", string(blockID)), zap.String("node_id", string(loc.NodeID)), zap.Error(err))
				continue
			}
			if err := h.deleteBlockOnNode(ctx, node.Address(), blockID); err != nil {
				h.logger.Warn("best-effort block delete failed", zap.String("block_id", string(blockID)), zap.String("node_id", string(loc.NodeID)), zap.Error(err))
			}
		}
	}
}

func (h *Handler) deleteBlockOnNode(ctx context.Context, addr string, blockID types.BlockID) error {
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = dnrpc.NewClient(conn).DeleteBlock(ctx, &dnrpc.DeleteBlockRequest{BlockID: blockID})
	return err
}

func (h *Handler) handleReportBadReplica(w http.ResponseWriter, r *http.Request) {
	var req ReportBadReplicaRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "InvalidRequest", Message: err.Error()})
		return
	}
	if err := h.manager.ReportBadReplica(req.BlockID, req.NodeID); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportBadReplicaResponse{Reported: true})
}

func (h *Handler) handleBlockLocations(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["path"]
	file, err := h.manager.GetFileByPath("/" + p)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	resp, err := h.manager.BlockLocations(file.ID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAllocateBlock(w http.ResponseWriter, r *http.Request) {
	var req AllocateBlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "InvalidRequest", Message: err.Error()})
		return
	}
	resp, err := h.manager.AllocateBlock(req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleCommitBlock(w http.ResponseWriter, r *http.Request) {
	var req CommitBlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "InvalidRequest", Message: err.Error()})
		return
	}
	if err := h.manager.CommitBlock(req); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CommitBlockResponse{Committed: true})
}

func (h *Handler) handleFinalizeFile(w http.ResponseWriter, r *http.Request) {
	var req FinalizeFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "InvalidRequest", Message: err.Error()})
		return
	}
	file, err := h.manager.FinalizeFile(req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FinalizeFileResponse{File: file})
}

func (h *Handler) handleRegisterDataNode(w http.ResponseWriter, r *http.Request) {
	var req RegisterDataNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "InvalidRequest", Message: err.Error()})
		return
	}
	if err := h.manager.RegisterDataNode(req); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterDataNodeResponse{Accepted: true})
}

func (h *Handler) handleListDataNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.manager.ListDataNodes()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := types.NodeID(mux.Vars(r)["id"])
	var req HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{Kind: "InvalidRequest", Message: err.Error()})
		return
	}
	req.NodeID = id
	if err := h.manager.Heartbeat(req); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{Acknowledged: true})
}
