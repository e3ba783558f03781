package metaserver

import (
	"fmt"
	"path"
	"strings"
	"time"

	"dfs/pkg/dfserr"
	"dfs/pkg/types"
)

// Mkdir creates an empty directory at p, failing with
// dfserr.AlreadyExists if it (or a file) already occupies that path, and
// dfserr.NotFound if its parent doesn't exist yet — spec.md §3 forbids
// orphaned directories.
func (m *Manager) Mkdir(p, owner string) (types.Directory, error) {
	p = normalizePath(p)
	if p == "/" {
		return types.Directory{}, dfserr.New(dfserr.AlreadyExists, "root directory always exists")
	}

	parent := path.Dir(p)
	if parent != "/" {
		if _, err := m.store.GetDirectory(parent); err != nil {
			return types.Directory{}, dfserr.Wrap(dfserr.NotFound, fmt.Sprintf("parent directory %s does not exist", parent), err)
		}
	}

	if _, err := m.store.GetDirectory(p); err == nil {
		return types.Directory{}, dfserr.New(dfserr.AlreadyExists, fmt.Sprintf("directory %s already exists", p))
	}
	if _, err := m.store.GetFileByPath(p); err == nil {
		return types.Directory{}, dfserr.New(dfserr.AlreadyExists, fmt.Sprintf("%s is already a file", p))
	}

	d := types.Directory{Path: p, Parent: parent, Owner: owner, CreatedAt: time.Now()}
	if err := m.store.PutDirectory(d); err != nil {
		return types.Directory{}, err
	}
	m.appendLog("mkdir", d)
	return d, nil
}

// Rmdir removes a directory. A non-empty directory is rejected with
// dfserr.InvariantViolation unless recursive is set, in which case every
// file and subdirectory underneath it is deleted first — namespace
// safety never allows an *implicit* recursive delete, only an explicit
// one. Returns each deleted file's blocks and their last-known
// locations, for best-effort physical cleanup on the storage nodes that
// held them.
func (m *Manager) Rmdir(p string, recursive bool) (map[types.BlockID][]types.BlockLocation, error) {
	p = normalizePath(p)
	if p == "/" {
		return nil, dfserr.New(dfserr.InvariantViolation, "cannot remove root directory")
	}
	if _, err := m.store.GetDirectory(p); err != nil {
		return nil, err
	}
	children, err := m.store.ListDirectoryChildren(p)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		if err := m.store.DeleteDirectory(p); err != nil {
			return nil, err
		}
		m.appendLog("rmdir", p)
		return nil, nil
	}
	if !recursive {
		return nil, dfserr.New(dfserr.InvariantViolation, fmt.Sprintf("directory %s is not empty", p))
	}

	removed := make(map[types.BlockID][]types.BlockLocation)
	for _, child := range children {
		if _, err := m.store.GetDirectory(child); err == nil {
			childRemoved, err := m.Rmdir(child, true)
			if err != nil {
				return removed, err
			}
			for bid, locs := range childRemoved {
				removed[bid] = locs
			}
			continue
		}
		fileRemoved, err := m.RemoveFile(child)
		if err != nil {
			return removed, err
		}
		for bid, locs := range fileRemoved {
			removed[bid] = locs
		}
	}
	if err := m.store.DeleteDirectory(p); err != nil {
		return removed, err
	}
	m.appendLog("rmdir", p)
	return removed, nil
}

// Ls lists the immediate children of a directory path.
func (m *Manager) Ls(p string) ([]string, error) {
	p = normalizePath(p)
	if p != "/" {
		if _, err := m.store.GetDirectory(p); err != nil {
			return nil, err
		}
	}
	return m.store.ListDirectoryChildren(p)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	return cleaned
}

func pathIsUnder(p, dir string) bool {
	if dir == "/" {
		return true
	}
	return strings.HasPrefix(p, dir+"/") || p == dir
}
