// Package sourcedb implements the Source Database: a persisted index of
// known source files, their declared dependencies, and the reverse
// references that point back at them.
//
// Field layout and the load/save error handling idiom are grounded on
// thought-machine/please's src/build/incrementality.go (readRuleHashFile's
// os.IsNotExist handling) and src/core/state.go's doc-comment density.
package sourcedb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ninjabirdstudios/contentjs/internal/respath"
)

var log = logging.MustGetLogger("sourcedb")

// Entry is one known source file, keyed by RelativePath within its
// package's source root.
type Entry struct {
	RelativePath string   `json:"relativePath"`
	ResourceName string   `json:"resourceName"`
	ResourceType string   `json:"resourceType"`
	Platform     string   `json:"platform"`
	Properties   []string `json:"properties"`

	// References holds the absolute paths of sources that depend on this
	// one (reverse links); Dependencies holds the absolute paths of
	// sources this file's compiler read as inputs while producing its
	// build output. Both are populated by the Builder, never by Create.
	References   []string `json:"references"`
	Dependencies []string `json:"dependencies"`

	WriteTime time.Time `json:"writeTime"`
	FileSize  int64     `json:"fileSize"`
}

// file is the on-disk JSON shape.
type file struct {
	BundleName string  `json:"bundleName"`
	Entries    []Entry `json:"entries"`
}

// Database is a Source Database for one package. It is not safe for
// concurrent use by multiple goroutines without external synchronization;
// databases are single-writer (the Builder).
type Database struct {
	BundleName string

	entries    []Entry
	entryTable map[string]int // RelativePath -> index into entries
	dirty      bool
}

// IoError wraps a filesystem failure while loading or saving a Database.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string { return fmt.Sprintf("sourcedb: io error at %s: %s", e.Path, e.Err) }
func (e *IoError) Unwrap() error { return e.Err }

// FormatError wraps malformed JSON encountered while loading a Database.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("sourcedb: malformed database at %s: %s", e.Path, e.Err)
}
func (e *FormatError) Unwrap() error { return e.Err }

// New constructs an empty, dirty Database with the given bundle name.
func New(bundleName string) *Database {
	return &Database{BundleName: bundleName, entryTable: map[string]int{}, dirty: true}
}

// Load reads path and rebuilds entryTable from its entries. A Database for
// an absent file is not an error: Load returns a fresh, empty, dirty
// Database so that a project's first build has somewhere to start from.
func Load(path, bundleName string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("No existing source database at %s, starting fresh", path)
			return New(bundleName), nil
		}
		return nil, &IoError{Path: path, Err: err}
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}
	db := &Database{
		BundleName: f.BundleName,
		entries:    f.Entries,
		entryTable: make(map[string]int, len(f.Entries)),
	}
	for i, e := range db.entries {
		db.entryTable[e.RelativePath] = i
	}
	return db, nil
}

// Save serializes db to path as {bundleName, entries}, with entries sorted
// by RelativePath for a byte-stable, canonical round trip. On success it
// clears Dirty.
func (db *Database) Save(path string) error {
	sorted := append([]Entry(nil), db.entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelativePath < sorted[j].RelativePath })
	for i := range sorted {
		sort.Strings(sorted[i].Dependencies)
		sort.Strings(sorted[i].References)
	}
	data, err := json.MarshalIndent(file{BundleName: db.BundleName, Entries: sorted}, "", "  ")
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

// MarkClean clears the dirty flag without writing anything; used by the
// Builder after a Save it performs itself.
func (db *Database) MarkClean() { db.dirty = false }

// Query looks up the entry for absPath, relative to rootPath. It never
// errors; an unknown path simply yields (nil, false).
func (db *Database) Query(rootPath, absPath string) (*Entry, bool) {
	rel, err := filepath.Rel(rootPath, absPath)
	if err != nil {
		return nil, false
	}
	idx, ok := db.entryTable[rel]
	if !ok {
		return nil, false
	}
	return &db.entries[idx], true
}

// QueryRelative looks up an entry directly by its RelativePath key.
func (db *Database) QueryRelative(relPath string) (*Entry, bool) {
	idx, ok := db.entryTable[relPath]
	if !ok {
		return nil, false
	}
	return &db.entries[idx], true
}

// Create stats absPath, derives its resource metadata via respath.Parse,
// and inserts or overwrites the entry at its RelativePath. Dependencies and
// References are recreated empty; the caller (the Builder) is responsible
// for repopulating them after a successful build. platformOf derives the
// effective platform from the parsed properties.
func (db *Database) Create(rootPath, absPath string, platformOf func(respath.Metadata) string) (*Entry, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, &IoError{Path: absPath, Err: err}
	}
	rel, err := filepath.Rel(rootPath, absPath)
	if err != nil {
		return nil, &IoError{Path: absPath, Err: err}
	}
	md := respath.Parse(absPath)
	entry := Entry{
		RelativePath: rel,
		ResourceName: md.Name,
		ResourceType: md.Type,
		Properties:   md.Properties,
		Platform:     platformOf(md),
		WriteTime:    info.ModTime(),
		FileSize:     info.Size(),
	}
	db.upsert(entry)
	return db.entryPtr(rel), nil
}

func (db *Database) entryPtr(rel string) *Entry {
	idx := db.entryTable[rel]
	return &db.entries[idx]
}

func (db *Database) upsert(entry Entry) {
	if idx, ok := db.entryTable[entry.RelativePath]; ok {
		db.entries[idx] = entry
	} else {
		db.entryTable[entry.RelativePath] = len(db.entries)
		db.entries = append(db.entries, entry)
	}
	db.dirty = true
}

// Upsert stores entry as-is (used by the Builder once dependency/reference
// lists are known after a successful build result).
func (db *Database) Upsert(entry Entry) {
	db.upsert(entry)
}

// Remove deletes the entry for absPath, if present, splicing the backing
// slice and rebuilding entryTable from scratch afterwards rather than
// leaving the slice untouched (which would silently make Remove a no-op).
func (db *Database) Remove(rootPath, absPath string) {
	rel, err := filepath.Rel(rootPath, absPath)
	if err != nil {
		return
	}
	idx, ok := db.entryTable[rel]
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

// Entries returns a snapshot slice of all entries. Callers must not mutate
// the returned slice's elements; use Upsert to write changes back.
func (db *Database) Entries() []Entry {
	return append([]Entry(nil), db.entries...)
}
