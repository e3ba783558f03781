// Package config loads process configuration from a JSON file, falling
// back to environment variables, the way cmd/collective/main.go's pkg/config does.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Mode string

const (
	ModeMetadata Mode = "metadata"
	ModeDataNode Mode = "datanode"
)

// Config is the root document recognised by both daemon binaries; each
// carries only the sub-config relevant to its Mode.
type Config struct {
	Mode     Mode           `json:"mode"`
	Metadata MetadataConfig `json:"metadata,omitempty"`
	DataNode DataNodeConfig `json:"datanode,omitempty"`
}

// MetadataConfig configures one half of the metadata leader/follower pair.
type MetadataConfig struct {
	Address                string        `json:"address"`
	ControlPlaneAddress    string        `json:"control_plane_address"`
	PeerEndpoint           string        `json:"peer_endpoint"`
	MetadataDBPath         string        `json:"metadata_db_path"`
	ReplicationFactor      int           `json:"replication_factor"`
	BlockSize              int64         `json:"block_size"`
	HeartbeatInterval      time.Duration `json:"heartbeat_interval"`
	HeartbeatMissThreshold int           `json:"heartbeat_miss_threshold"`
	ElectionTimeoutMin     time.Duration `json:"election_timeout_min"`
	ElectionTimeoutMax     time.Duration `json:"election_timeout_max"`
	LeaderHeartbeatInterval time.Duration `json:"leader_heartbeat_interval"`
	RPCMaxMessageBytes     int           `json:"rpc_max_message_bytes"`
}

// DataNodeConfig configures one storage node process.
type DataNodeConfig struct {
	NodeID              string        `json:"node_id"`
	Address             string        `json:"address"`
	ControlPlaneAddress string        `json:"control_plane_address"`
	StorageRoot         string        `json:"storage_root"`
	StorageCapacity     int64         `json:"storage_capacity"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	WorkerPoolSize      int           `json:"worker_pool_size"`
	RPCMaxMessageBytes  int           `json:"rpc_max_message_bytes"`
}

const (
	DefaultBlockSize              = 4 * 1024 // 4 KiB, the default block size
	DefaultReplicationFactor      = 2
	DefaultHeartbeatInterval      = 5 * time.Second
	DefaultHeartbeatMissThreshold = 3
	DefaultElectionTimeoutMin     = 150 * time.Millisecond
	DefaultElectionTimeoutMax     = 300 * time.Millisecond
	DefaultLeaderHeartbeatInterval = 50 * time.Millisecond
	DefaultRPCMaxMessageBytes     = 8 * 1024 * 1024 // 8 MiB
	DefaultWorkerPoolSize         = 8
)

// Load reads path as JSON and fills in any zero-valued fields with
// defaults, mirroring the reference LoadConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv builds a Config purely from environment variables, for
// container deployments that don't mount a config file.
func LoadFromEnv() *Config {
	cfg := &Config{Mode: Mode(getEnv("DFS_MODE", string(ModeMetadata)))}

	if cfg.Mode == ModeMetadata {
		cfg.Metadata = MetadataConfig{
			Address:             getEnv("DFS_METADATA_ADDRESS", ":7700"),
			ControlPlaneAddress: getEnv("DFS_CONTROL_PLANE_ADDRESS", ":8080"),
			PeerEndpoint:        getEnv("DFS_PEER_ENDPOINT", ""),
			MetadataDBPath:      getEnv("DFS_METADATA_DB_PATH", "metadata.db"),
			ReplicationFactor:   getEnvInt("DFS_REPLICATION_FACTOR", DefaultReplicationFactor),
			BlockSize:           getEnvInt64("DFS_BLOCK_SIZE", DefaultBlockSize),
		}
	} else {
		cfg.DataNode = DataNodeConfig{
			NodeID:              getEnv("DFS_NODE_ID", ""),
			Address:             getEnv("DFS_DATANODE_ADDRESS", ":7800"),
			ControlPlaneAddress: getEnv("DFS_CONTROL_PLANE_ADDRESS", "localhost:8080"),
			StorageRoot:         getEnv("DFS_STORAGE_ROOT", "./data"),
			StorageCapacity:     getEnvInt64("DFS_STORAGE_CAPACITY", 1<<30),
		}
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	m := &cfg.Metadata
	if m.BlockSize == 0 {
		m.BlockSize = DefaultBlockSize
	}
	if m.ReplicationFactor == 0 {
		m.ReplicationFactor = DefaultReplicationFactor
	}
	if m.HeartbeatInterval == 0 {
		m.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if m.HeartbeatMissThreshold == 0 {
		m.HeartbeatMissThreshold = DefaultHeartbeatMissThreshold
	}
	if m.ElectionTimeoutMin == 0 {
		m.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if m.ElectionTimeoutMax == 0 {
		m.ElectionTimeoutMax = DefaultElectionTimeoutMax
	}
	if m.LeaderHeartbeatInterval == 0 {
		m.LeaderHeartbeatInterval = DefaultLeaderHeartbeatInterval
	}
	if m.RPCMaxMessageBytes == 0 {
		m.RPCMaxMessageBytes = DefaultRPCMaxMessageBytes
	}
	if m.MetadataDBPath == "" {
		m.MetadataDBPath = "metadata.db"
	}

	d := &cfg.DataNode
	if d.StorageRoot == "" {
		d.StorageRoot = "./data"
	}
	if d.HeartbeatInterval == 0 {
		d.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if d.WorkerPoolSize == 0 {
		d.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if d.RPCMaxMessageBytes == 0 {
		d.RPCMaxMessageBytes = DefaultRPCMaxMessageBytes
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
