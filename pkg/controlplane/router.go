package controlplane

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dfs/pkg/types"
)

// LeaderInfo is satisfied by pkg/ha's controller; kept as a narrow
// interface here so this package never imports pkg/ha directly.
type LeaderInfo interface {
	IsLeader() bool
	LeaderAddress() string
	Term() int64
}

// MetadataManager is satisfied by pkg/metaserver's Manager; kept as a
// narrow interface, the same way LeaderInfo avoids importing pkg/ha,
// since pkg/metaserver in turn imports this package for the request and
// response types every one of these operations carries.
type MetadataManager interface {
	Mkdir(path, owner string) (types.Directory, error)
	Ls(path string) ([]string, error)
	Rmdir(path string, recursive bool) (map[types.BlockID][]types.BlockLocation, error)
	GetFileByPath(path string) (types.File, error)
	RemoveFile(path string) (map[types.BlockID][]types.BlockLocation, error)
	BlockLocations(fileID types.FileID) (BlockLocationsResponse, error)
	AllocateBlock(req AllocateBlockRequest) (AllocateBlockResponse, error)
	CommitBlock(req CommitBlockRequest) error
	FinalizeFile(req FinalizeFileRequest) (types.File, error)
	RegisterDataNode(req RegisterDataNodeRequest) error
	ListDataNodes() ([]types.StorageNode, error)
	DataNode(id types.NodeID) (types.StorageNode, error)
	Heartbeat(req HeartbeatRequest) error
	DegradedBlocks() ([]types.BlockID, error)
	ReportBadReplica(blockID types.BlockID, nodeID types.NodeID) error
}

type Handler struct {
	manager MetadataManager
	ha      LeaderInfo
	logger  *zap.Logger
}

func NewHandler(manager MetadataManager, ha LeaderInfo, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, ha: ha, logger: logger}
}

// Router builds the gorilla/mux route table, grounded on
// cmd/rest-server/main.go's registration of api.FileHandler against a
// mux.Router.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/dirs", h.requireLeader(h.handleMkdir)).Methods(http.MethodPost)
	r.HandleFunc("/dirs/{path:.*}", h.handleLs).Methods(http.MethodGet)
	r.HandleFunc("/dirs/{path:.*}", h.requireLeader(h.handleRmdir)).Methods(http.MethodDelete)

	r.HandleFunc("/files/{path:.*}/locations", h.handleBlockLocations).Methods(http.MethodGet)
	r.HandleFunc("/files/{path:.*}", h.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{path:.*}", h.requireLeader(h.handleRemoveFile)).Methods(http.MethodDelete)

	r.HandleFunc("/blocks/allocate", h.requireLeader(h.handleAllocateBlock)).Methods(http.MethodPost)
	r.HandleFunc("/blocks/commit", h.requireLeader(h.handleCommitBlock)).Methods(http.MethodPost)
	r.HandleFunc("/blocks/finalize", h.requireLeader(h.handleFinalizeFile)).Methods(http.MethodPost)
	r.HandleFunc("/blocks/report-bad", h.requireLeader(h.handleReportBadReplica)).Methods(http.MethodPost)

	r.HandleFunc("/datanodes", h.requireLeader(h.handleRegisterDataNode)).Methods(http.MethodPost)
	r.HandleFunc("/datanodes", h.handleListDataNodes).Methods(http.MethodGet)
	r.HandleFunc("/datanodes/{id}/heartbeat", h.requireLeader(h.handleHeartbeat)).Methods(http.MethodPut)

	return r
}

// requireLeader redirects mutating requests to the current leader with
// HTTP 307, the Open Question decision recorded in DESIGN.md — a
// follower never applies a mutation itself.
func (h *Handler) requireLeader(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.ha == nil || h.ha.IsLeader() {
			next(w, r)
			return
		}
		leader := h.ha.LeaderAddress()
		if leader == "" {
			writeError(w, http.StatusServiceUnavailable, ErrorResponse{Kind: "Transient", Message: "no leader is currently known"})
			return
		}
		location := "http://" + leader + r.URL.Path
		if r.URL.RawQuery != "" {
			location += "?" + r.URL.RawQuery
		}
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusTemporaryRedirect)
	}
}
