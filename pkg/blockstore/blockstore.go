// Package blockstore persists opaque byte blocks on local disk, the way
// Gammanik-distributed-storage's storage-node handler does: write to a
// temp file, verify the checksum while writing, rename into place. Reads
// recompute the checksum and fail with dfserr.Integrity on mismatch.
package blockstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"dfs/pkg/dfserr"
	"dfs/pkg/types"
)

// reservedMargin is held back from AvailableSpace so the node never
// reports itself as placement-eligible right up to the last byte.
const reservedMargin = 16 * 1024 * 1024 // 16 MiB

type Store struct {
	root string

	// locks guards per-block write exclusion: a transient lock by block
	// id so concurrent StoreBlock calls on the same id can't race, per
	// spec.md §5.
	locksMu sync.Mutex
	locks   map[types.BlockID]*sync.Mutex
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &Store{
		root:  root,
		locks: make(map[types.BlockID]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(id types.BlockID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// shardedPath shards blocks into subdirectories by the first two hex
// characters of the id, so a single directory never holds every block on
// the node.
func (s *Store) shardedPath(id types.BlockID) string {
	idStr := string(id)
	shard := "00"
	if len(idStr) >= 2 {
		shard = idStr[:2]
	}
	return filepath.Join(s.root, shard, idStr)
}

func (s *Store) checksumPath(id types.BlockID) string {
	return s.shardedPath(id) + ".sha256"
}

// Store writes data under id, fsyncs, and renames into place. A duplicate
// Store for an id that already exists with a matching checksum is a
// no-op success (idempotent block report replay); a mismatching checksum
// is rejected with dfserr.AlreadyExists.
func (s *Store) Store(id types.BlockID, data []byte) (checksum string, err error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sum := sha256.Sum256(data)
	newChecksum := hex.EncodeToString(sum[:])

	if existing, size, cerr := s.exists(id); cerr == nil && existing {
		if size == int64(len(data)) {
			if old, err := os.ReadFile(s.checksumPath(id)); err == nil && string(old) == newChecksum {
				return newChecksum, nil
			}
		}
		return "", dfserr.New(dfserr.AlreadyExists, fmt.Sprintf("block %s already stored with a different checksum", id))
	}

	dir := filepath.Dir(s.shardedPath(id))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, string(id)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write block data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to fsync block data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	finalPath := s.shardedPath(id)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to rename block into place: %w", err)
	}
	if err := os.WriteFile(s.checksumPath(id), []byte(newChecksum), 0644); err != nil {
		return "", fmt.Errorf("failed to write checksum sidecar: %w", err)
	}

	return newChecksum, nil
}

// Retrieve reads a block and recomputes its checksum, failing with
// dfserr.Integrity on mismatch and dfserr.NotFound if absent.
func (s *Store) Retrieve(id types.BlockID) (data []byte, checksum string, err error) {
	path := s.shardedPath(id)
	data, err = os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", dfserr.New(dfserr.NotFound, fmt.Sprintf("block %s not found", id))
		}
		return nil, "", fmt.Errorf("failed to read block %s: %w", id, err)
	}

	expected, err := os.ReadFile(s.checksumPath(id))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read checksum sidecar for %s: %w", id, err)
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != string(expected) {
		return nil, "", dfserr.New(dfserr.Integrity, fmt.Sprintf("block %s checksum mismatch: expected %s got %s", id, expected, actual))
	}

	return data, actual, nil
}

// Delete removes a block; a missing block is treated as success, per the
// best-effort DeleteBlock contract in spec.md §4.2.
func (s *Store) Delete(id types.BlockID) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.shardedPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete block %s: %w", id, err)
	}
	os.Remove(s.checksumPath(id))
	return nil
}

func (s *Store) exists(id types.BlockID) (bool, int64, error) {
	info, err := os.Stat(s.shardedPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, info.Size(), nil
}

// Exists reports whether a block is present, along with its size and
// checksum (empty checksum if the sidecar is missing).
func (s *Store) Exists(id types.BlockID) (bool, int64, string) {
	ok, size, err := s.exists(id)
	if err != nil || !ok {
		return false, 0, ""
	}
	checksum, _ := os.ReadFile(s.checksumPath(id))
	return true, size, string(checksum)
}

// AvailableSpace reports free bytes on the storage root's filesystem,
// minus a reserved margin, the way Gammanik's /status handler and
// sauravfouzdar-bucket's chunkserver storage manager both use
// syscall.Statfs.
func (s *Store) AvailableSpace() int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.root, &stat); err != nil {
		return 0
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	free -= reservedMargin
	if free < 0 {
		return 0
	}
	return free
}

// ListBlockIDs enumerates every block id on disk, for the initial block
// report the heartbeat agent sends after registration (spec.md §4.3).
func (s *Store) ListBlockIDs() ([]types.BlockID, error) {
	var ids []types.BlockID
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) == ".sha256" {
			return nil
		}
		ids = append(ids, types.BlockID(filepath.Base(path)))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return ids, nil
}
