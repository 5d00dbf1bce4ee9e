// Package variant builds the structural fingerprint of a scraped page. Two
// pages of the same type that found and missed the same fields share a
// variant, whatever the field values were.
package variant

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Generator accumulates the found/missing state of each field of one page.
// A Generator is not safe for concurrent use; create one per page.
type Generator struct {
	fields map[string]bool
	misses int
}

// NewGenerator returns an empty generator.
func NewGenerator() *Generator {
	return &Generator{fields: make(map[string]bool)}
}

// Add records whether a field was found. Adding the same field twice keeps
// the last state.
func (g *Generator) Add(name string, found bool) {
	if prev, ok := g.fields[name]; ok && !prev {
		g.misses--
	}
	g.fields[name] = found
	if !found {
		g.misses++
	}
}

// Misses returns how many recorded fields were not found.
func (g *Generator) Misses() int {
	return g.misses
}

// Len returns the number of recorded fields.
func (g *Generator) Len() int {
	return len(g.fields)
}

// ID returns the fingerprint for the recorded fields of the given type.
func (g *Generator) ID(typ string) string {
	return Fingerprint(typ, g.fields)
}

// Reset forgets every recorded field.
func (g *Generator) Reset() {
	clear(g.fields)
	g.misses = 0
}

// Fingerprint returns the hex SHA-256 of the type and the sorted
// name=found/missing vector. Names are quoted, so no name can spell out
// another entry of the vector.
func Fingerprint(typ string, found map[string]bool) string {
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strconv.Quote(typ))
	for _, name := range names {
		b.WriteByte('\n')
		b.WriteString(strconv.Quote(name))
		if found[name] {
			b.WriteString("=found")
		} else {
			b.WriteString("=missing")
		}
	}

	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:])
}
