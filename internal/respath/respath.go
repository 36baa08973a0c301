// Package respath implements the resource path metadata convention: deriving
// a resource's name, type and properties purely from its filename.
package respath

import (
	"path/filepath"
	"strings"
)

// Metadata is the result of parsing a source or target filename.
//
// Given "name.prop1.prop2.ext", Name is "name", Type is "ext" and
// Properties is ["prop1", "prop2"]. A filename with only one dot yields
// Properties == [""] (a single empty string), matching the convention that
// every resource carries at least one property slot.
type Metadata struct {
	Name       string
	Type       string
	Properties []string
}

// Parse derives Metadata from a path. Only the basename is considered; any
// directory components are ignored. Parse never fails: a basename with no
// dot at all yields an empty Type and no properties.
func Parse(path string) Metadata {
	base := filepath.Base(path)
	first := strings.IndexByte(base, '.')
	if first < 0 {
		return Metadata{Name: base}
	}
	last := strings.LastIndexByte(base, '.')

	name := base[:first]
	typ := base[last+1:]

	if first == last {
		// Exactly one dot: no properties, but the convention reserves one
		// empty slot.
		return Metadata{Name: name, Type: typ, Properties: []string{""}}
	}

	middle := base[first+1 : last]
	props := strings.Split(middle, ".")
	return Metadata{Name: name, Type: typ, Properties: props}
}

// Platform returns the first property in md.Properties that names a
// declared platform, and true if one was found. If none match, the file is
// generic.
func (md Metadata) Platform(platforms []string) (string, bool) {
	for _, p := range md.Properties {
		for _, plat := range platforms {
			if p == plat {
				return plat, true
			}
		}
	}
	return "", false
}
