package datanode

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dfs/pkg/controlplane"
	"dfs/pkg/dfserr"
)

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		return "localhost"
	}
	return host
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// HeartbeatLoop sends a heartbeat on every tick until ctx is cancelled,
// the way enhancedHealthReportLoop runs against the
// coordinator — here against the HTTP control plane instead.
func (n *Node) HeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.sendHeartbeat(ctx); err != nil {
				n.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (n *Node) sendHeartbeat(ctx context.Context) error {
	blockIDs, err := n.store.ListBlockIDs()
	if err != nil {
		return err
	}
	req := controlplane.HeartbeatRequest{
		NodeID:         n.id,
		AvailableSpace: n.store.AvailableSpace(),
		BlocksStored:   int64(len(blockIDs)),
	}
	path := "/datanodes/" + string(n.id) + "/heartbeat"
	resp, err := n.putJSON(ctx, path, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return dfserr.New(dfserr.Transient, fmt.Sprintf("heartbeat rejected with status %d", resp.StatusCode))
	}
	return nil
}

func (n *Node) putJSON(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return n.doControlPlane(ctx, http.MethodPut, path, body)
}
