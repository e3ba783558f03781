// Package metastore is the transactional record store behind the
// metadata manager: a bbolt-backed, bucket-per-entity database, grounded
// on Gammanik-distributed-storage's internal/metastore/bolt.go
// (JSON-encoded values inside db.Update/db.View transactions).
package metastore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"dfs/pkg/dfserr"
	"dfs/pkg/types"
)

type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata db %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate metadata db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- directories ---

func (s *Store) PutDirectory(d types.Directory) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return tx.Bucket(directoriesBucket).Put([]byte(d.Path), data)
	})
}

func (s *Store) GetDirectory(path string) (types.Directory, error) {
	var d types.Directory
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(directoriesBucket).Get([]byte(path))
		if raw == nil {
			return dfserr.New(dfserr.NotFound, fmt.Sprintf("directory %s not found", path))
		}
		return json.Unmarshal(raw, &d)
	})
	return d, err
}

func (s *Store) DeleteDirectory(path string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(directoriesBucket).Delete([]byte(path))
	})
}

// ListDirectoryChildren returns every file or directory path whose
// parent is exactly path.
func (s *Store) ListDirectoryChildren(path string) ([]string, error) {
	var children []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(directoriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var d types.Directory
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.Parent == path {
				children = append(children, d.Path)
			}
		}
		fc := tx.Bucket(filesBucket).Cursor()
		for k, v := fc.First(); k != nil; k, v = fc.Next() {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if parentOf(f.Path) == path {
				children = append(children, f.Path)
			}
		}
		return nil
	})
	sort.Strings(children)
	return children, err
}

func parentOf(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx]
}

// --- files ---

func (s *Store) PutFile(f types.File) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return tx.Bucket(filesBucket).Put([]byte(f.ID), data)
	})
}

func (s *Store) GetFile(id types.FileID) (types.File, error) {
	var f types.File
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(filesBucket).Get([]byte(id))
		if raw == nil {
			return dfserr.New(dfserr.NotFound, fmt.Sprintf("file %s not found", id))
		}
		return json.Unmarshal(raw, &f)
	})
	return f, err
}

func (s *Store) GetFileByPath(path string) (types.File, error) {
	var found types.File
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(filesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.Path == path {
				found = f
				return nil
			}
		}
		return dfserr.New(dfserr.NotFound, fmt.Sprintf("file %s not found", path))
	})
	return found, err
}

func (s *Store) DeleteFile(id types.FileID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(id))
	})
}

func (s *Store) ListFilesUnderPath(prefix string) ([]types.File, error) {
	var files []types.File
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(filesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var f types.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if strings.HasPrefix(f.Path, prefix) {
				files = append(files, f)
			}
		}
		return nil
	})
	return files, err
}

// --- blocks ---

func (s *Store) PutBlock(b types.Block) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(blocksBucket).Put([]byte(b.ID), data)
	})
}

func (s *Store) GetBlock(id types.BlockID) (types.Block, error) {
	var b types.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(blocksBucket).Get([]byte(id))
		if raw == nil {
			return dfserr.New(dfserr.NotFound, fmt.Sprintf("block %s not found", id))
		}
		return json.Unmarshal(raw, &b)
	})
	return b, err
}

func (s *Store) DeleteBlock(id types.BlockID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blocksBucket).Delete([]byte(id))
	})
}

// --- block locations ---

func (s *Store) PutBlockLocations(id types.BlockID, locs []types.BlockLocation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(locs)
		if err != nil {
			return err
		}
		return tx.Bucket(blockLocationsBucket).Put([]byte(id), data)
	})
}

func (s *Store) GetBlockLocations(id types.BlockID) ([]types.BlockLocation, error) {
	var locs []types.BlockLocation
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(blockLocationsBucket).Get([]byte(id))
		if raw == nil {
			return nil // no locations yet is not an error; caller checks len
		}
		return json.Unmarshal(raw, &locs)
	})
	return locs, err
}

func (s *Store) DeleteBlockLocations(id types.BlockID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blockLocationsBucket).Delete([]byte(id))
	})
}

// AllBlockLocations walks the whole bucket, for the staleness sweep and
// the replication coordinator's scan.
func (s *Store) AllBlockLocations() (map[types.BlockID][]types.BlockLocation, error) {
	out := make(map[types.BlockID][]types.BlockLocation)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(blockLocationsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var locs []types.BlockLocation
			if err := json.Unmarshal(v, &locs); err != nil {
				return err
			}
			id := types.BlockID(append([]byte{}, k...))
			out[id] = locs
		}
		return nil
	})
	return out, err
}

// --- orphan blocks (reported by a datanode but unknown to the block
// catalogue, candidates for the daily grace-period sweep) ---

type OrphanBlock struct {
	BlockID   types.BlockID `json:"block_id"`
	NodeID    types.NodeID  `json:"node_id"`
	FirstSeen time.Time     `json:"first_seen"`
}

// PutOrphanBlockIfAbsent records a block a node reported that isn't in
// the catalogue, keeping the earliest FirstSeen across repeated
// registrations so the grace period is measured from first report.
func (s *Store) PutOrphanBlockIfAbsent(o OrphanBlock) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(orphanBlocksBucket)
		if b.Get([]byte(o.BlockID)) != nil {
			return nil
		}
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		return b.Put([]byte(o.BlockID), data)
	})
}

func (s *Store) ListOrphanBlocks() ([]OrphanBlock, error) {
	var out []OrphanBlock
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(orphanBlocksBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var o OrphanBlock
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

func (s *Store) DeleteOrphanBlock(id types.BlockID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(orphanBlocksBucket).Delete([]byte(id))
	})
}

// --- data nodes ---

func (s *Store) PutDataNode(n types.StorageNode) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(dataNodesBucket).Put([]byte(n.ID), data)
	})
}

func (s *Store) GetDataNode(id types.NodeID) (types.StorageNode, error) {
	var n types.StorageNode
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(dataNodesBucket).Get([]byte(id))
		if raw == nil {
			return dfserr.New(dfserr.NotFound, fmt.Sprintf("datanode %s not found", id))
		}
		return json.Unmarshal(raw, &n)
	})
	return n, err
}

func (s *Store) ListDataNodes() ([]types.StorageNode, error) {
	var nodes []types.StorageNode
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(dataNodesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n types.StorageNode
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, n)
		}
		return nil
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, err
}

func (s *Store) DeleteDataNode(id types.NodeID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(dataNodesBucket).Delete([]byte(id))
	})
}

// --- replication log, consumed by pkg/ha's SyncMetadata ---

func (s *Store) AppendLogRecord(operation string, payload []byte) (int64, error) {
	var seq int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		seq = nextSequenceLocked(b)
		entry := logEntry{Sequence: seq, Operation: operation, Payload: payload}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(logBucket).Put(seqKey(seq), data)
	})
	return seq, err
}

type logEntry struct {
	Sequence  int64  `json:"sequence"`
	Operation string `json:"operation"`
	Payload   []byte `json:"payload"`
}

func seqKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

func nextSequenceLocked(b *bbolt.Bucket) int64 {
	raw := b.Get([]byte("log_sequence"))
	var seq int64
	if raw != nil {
		json.Unmarshal(raw, &seq)
	}
	seq++
	data, _ := json.Marshal(seq)
	b.Put([]byte("log_sequence"), data)
	return seq
}

// LogRecordsSince returns every log record with sequence > after, in
// order, for the leader to ship to a catching-up follower.
func (s *Store) LogRecordsSince(after int64) ([]logEntry, error) {
	var out []logEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			var e logEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}
