// Package fstree defines the tree-scanning contract treated as supplied
// externally: a tree scanner, tree differ, and walker, referenced by the
// engine only through their contract. It ships one concrete adapter,
// grounded directly on thought-machine/please's src/fs/walk.go, wrapping
// github.com/karrick/godirwalk, so the module is runnable end to end.
//
// A production deployment with a polling watcher can replace Default
// without any change to internal/build.
package fstree

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karrick/godirwalk"
)

// Entry describes one file discovered by Walk or Scan.
type Entry struct {
	Path    string // absolute path
	IsDir   bool
	ModTime time.Time
	Size    int64
}

// Delta is the result of Diff: files added, removed, or modified between
// two Scans of the same root.
type Delta struct {
	Added    []string
	Removed  []string
	Modified []string
}

// FileSystem is the contract the Builder depends on, named after the
// scan/diff/walk/make_tree operations it groups; Walk plays the role of
// "walk", Scan/Diff
// round out the rest for a caller that wants to snapshot-and-compare
// instead of walking fresh every time. The Builder itself only calls Walk.
type FileSystem interface {
	// Walk invokes fn once per file (not directory) found under root.
	// ignoreHidden skips any path component beginning with '.'.
	Walk(root string, ignoreHidden, recursive bool, fn func(Entry) error) error
	// Scan returns a full Entry snapshot of root, in the same shape Walk
	// would visit, keyed by absolute path.
	Scan(root string, ignoreHidden, recursive bool) (map[string]Entry, error)
	// Diff compares two Scan snapshots of the same root.
	Diff(before, after map[string]Entry) Delta
	// MakeTree ensures every directory component of path exists.
	MakeTree(path string) error
}

// Default is the godirwalk-backed FileSystem used when the caller doesn't
// supply its own.
var Default FileSystem = godirwalkFS{}

type godirwalkFS struct{}

func (godirwalkFS) Walk(root string, ignoreHidden, recursive bool, fn func(Entry) error) error {
	if info, err := os.Lstat(root); err != nil {
		return err
	} else if !info.IsDir() {
		return fn(entryFromInfo(root, info))
	}
	return godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == root {
				return nil
			}
			isDir, err := de.IsDirOrSymlinkToDir()
			if err != nil {
				isDir = de.IsDir()
			}
			if ignoreHidden && isHidden(path, root) {
				if isDir {
					return filepath.SkipDir
				}
				return nil
			}
			if isDir {
				if !recursive && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			return fn(entryFromInfo(path, info))
		},
		Unsorted: false,
	})
}

func (g godirwalkFS) Scan(root string, ignoreHidden, recursive bool) (map[string]Entry, error) {
	out := map[string]Entry{}
	err := g.Walk(root, ignoreHidden, recursive, func(e Entry) error {
		out[e.Path] = e
		return nil
	})
	return out, err
}

func (godirwalkFS) Diff(before, after map[string]Entry) Delta {
	var d Delta
	for p, a := range after {
		b, present := before[p]
		if !present {
			d.Added = append(d.Added, p)
		} else if b.ModTime != a.ModTime || b.Size != a.Size {
			d.Modified = append(d.Modified, p)
		}
	}
	for p := range before {
		if _, present := after[p]; !present {
			d.Removed = append(d.Removed, p)
		}
	}
	return d
}

func (godirwalkFS) MakeTree(path string) error {
	return os.MkdirAll(path, 0775)
}

func entryFromInfo(path string, info os.FileInfo) Entry {
	return Entry{Path: path, IsDir: info.IsDir(), ModTime: info.ModTime(), Size: info.Size()}
}

func isHidden(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if len(part) > 0 && part[0] == '.' {
			return true
		}
	}
	return false
}
