// Package ident derives stable asset identifiers from user-supplied names
// and resolves collisions within a batch.
package ident

import (
	"fmt"
	"strings"
	"unicode"
)

// Slug lowercases a name and collapses everything outside letters and digits
// into single dashes.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Generator hands out unique ids. The first claim on a slug gets it bare;
// later claims get "-2", "-3" suffixes.
type Generator struct {
	used    map[string]struct{}
	counter map[string]int
}

// NewGenerator creates a generator with optional pre-reserved ids.
func NewGenerator(existing ...string) *Generator {
	g := &Generator{
		used:    make(map[string]struct{}, len(existing)+8),
		counter: make(map[string]int, len(existing)+8),
	}
	for _, id := range existing {
		id = strings.TrimSpace(id)
		if id != "" {
			g.used[id] = struct{}{}
		}
	}
	return g
}

// Generate returns a unique id for the given name.
func (g *Generator) Generate(name string) string {
	if g == nil {
		g = NewGenerator()
	}
	base := Slug(name)
	if base == "" {
		base = "asset"
	}
	if _, taken := g.used[base]; !taken {
		g.used[base] = struct{}{}
		g.counter[base] = 1
		return base
	}
	n := g.counter[base]
	if n < 1 {
		n = 1
	}
	for {
		n++
		candidate := fmt.Sprintf("%s-%d", base, n)
		if _, taken := g.used[candidate]; taken {
			continue
		}
		g.used[candidate] = struct{}{}
		g.counter[base] = n
		return candidate
	}
}
