// Package targetdb implements the Target Database: a persisted index of
// produced target resources, keyed by the target-relative path of the
// resource, carrying the compiler identity and the list of files it wrote.
//
// Structurally identical to sourcedb.Database except for the entry shape
// and the database-level BundleName/Platform pair; the two are not unified
// into one generic type because their entry fields diverge enough (no
// Dependencies/References here, SourcePath and CompilerName instead) that
// a shared generic would need as many knobs as it would save. please
// itself keeps its analogous build-state types (core.BuildGraph vs a
// hypothetical output index) separate for the same reason.
package targetdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("targetdb")

// Entry is one successful build output-group, keyed by RelativePath (the
// target-relative path of the target resource).
type Entry struct {
	RelativePath string   `json:"relativePath"`
	ResourceName string   `json:"resourceName"`
	ResourceType string   `json:"resourceType"`
	Platform     string   `json:"platform"`
	Properties   []string `json:"properties"`

	// SourcePath is relative to the package source root, not the target
	// root, since source and target roots can differ.
	SourcePath string `json:"sourcePath"`

	CompilerName    string `json:"compilerName"`
	CompilerVersion int    `json:"compilerVersion"`

	// Outputs holds the absolute paths of every file the compiler wrote.
	Outputs []string `json:"outputs"`
}

type file struct {
	BundleName string  `json:"bundleName"`
	Platform   string  `json:"platform"`
	Entries    []Entry `json:"entries"`
}

// Database is a Target Database for one (package, platform) Target.
type Database struct {
	BundleName string
	Platform   string

	entries    []Entry
	entryTable map[string]int
	dirty      bool
}

// IoError wraps a filesystem failure while loading or saving a Database.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string { return fmt.Sprintf("targetdb: io error at %s: %s", e.Path, e.Err) }
func (e *IoError) Unwrap() error { return e.Err }

// FormatError wraps malformed JSON encountered while loading a Database.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("targetdb: malformed database at %s: %s", e.Path, e.Err)
}
func (e *FormatError) Unwrap() error { return e.Err }

// New constructs an empty, dirty Database.
func New(bundleName, platform string) *Database {
	return &Database{BundleName: bundleName, Platform: platform, entryTable: map[string]int{}, dirty: true}
}

// Load reads path, or returns a fresh empty Database if it doesn't exist
// yet (same contract as sourcedb.Load).
func Load(path, bundleName, platform string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("No existing target database at %s, starting fresh", path)
			return New(bundleName, platform), nil
		}
		return nil, &IoError{Path: path, Err: err}
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}
	db := &Database{
		BundleName: f.BundleName,
		Platform:   f.Platform,
		entries:    f.Entries,
		entryTable: make(map[string]int, len(f.Entries)),
	}
	for i, e := range db.entries {
		db.entryTable[e.RelativePath] = i
	}
	return db, nil
}

// Save serializes db with entries sorted by RelativePath for a canonical,
// byte-stable round trip.
func (db *Database) Save(path string) error {
	sorted := append([]Entry(nil), db.entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelativePath < sorted[j].RelativePath })
	for i := range sorted {
		sort.Strings(sorted[i].Outputs)
	}
	data, err := json.MarshalIndent(file{BundleName: db.BundleName, Platform: db.Platform, Entries: sorted}, "", "  ")
	if err != nil {
		return &FormatError{Path: path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return &IoError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return &IoError{Path: path, Err: err}
	}
	db.dirty = false
	return nil
}

// Dirty reports whether db has changed since the last Load or Save.
func (db *Database) Dirty() bool { return db.dirty }

// MarkClean clears the dirty flag without writing.
func (db *Database) MarkClean() { db.dirty = false }

// Query looks up the entry for a target-relative path.
func (db *Database) Query(relPath string) (*Entry, bool) {
	idx, ok := db.entryTable[relPath]
	if !ok {
		return nil, false
	}
	return &db.entries[idx], true
}

// CreateArgs bundles the inputs Create needs beyond the path being
// recorded, since unlike sourcedb's Create this one doesn't stat a source
// file: the Builder already knows everything about a build result.
type CreateArgs struct {
	RelativePath string
	ResourceName string
	ResourceType string
	Platform     string
	Properties   []string
	// SourcePath relative to the package's source root.
	SourcePath      string
	CompilerName    string
	CompilerVersion int
	Outputs         []string
}

// Create inserts or overwrites the entry at args.RelativePath.
func (db *Database) Create(args CreateArgs) *Entry {
	entry := Entry{
		RelativePath:    args.RelativePath,
		ResourceName:    args.ResourceName,
		ResourceType:    args.ResourceType,
		Platform:        args.Platform,
		Properties:      args.Properties,
		SourcePath:      args.SourcePath,
		CompilerName:    args.CompilerName,
		CompilerVersion: args.CompilerVersion,
		Outputs:         args.Outputs,
	}
	if idx, ok := db.entryTable[entry.RelativePath]; ok {
		db.entries[idx] = entry
	} else {
		db.entryTable[entry.RelativePath] = len(db.entries)
		db.entries = append(db.entries, entry)
	}
	db.dirty = true
	return db.entryPtr(entry.RelativePath)
}

func (db *Database) entryPtr(rel string) *Entry {
	idx := db.entryTable[rel]
	return &db.entries[idx]
}

// Remove deletes the entry at relPath, if present, mirroring
// sourcedb.Database.Remove.
func (db *Database) Remove(relPath string) {
	idx, ok := db.entryTable[relPath]
	if !ok {
		return
	}
	db.entries = append(db.entries[:idx], db.entries[idx+1:]...)
	db.entryTable = make(map[string]int, len(db.entries))
	for i, e := range db.entries {
		db.entryTable[e.RelativePath] = i
	}
	db.dirty = true
}

// Entries returns a snapshot slice of all entries.
func (db *Database) Entries() []Entry {
	return append([]Entry(nil), db.entries...)
}
