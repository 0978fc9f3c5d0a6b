// Package graph talks to the building knowledge graph: SPARQL execution against a
// primary and a secondary endpoint, a label index for entity lookup, and bounded
// neighbourhood retrieval used to ground prompts.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnreachable means no endpoint answered (transport errors or 5xx on every endpoint).
	ErrUnreachable = errors.New("graph: store unreachable")
	// ErrQuery means an endpoint rejected the query itself.
	ErrQuery = errors.New("graph: query rejected")
)

// Row is one result binding: variable name to lexical value.
type Row map[string]string

// Triple is a single subject-predicate-object statement.
type Triple struct {
	Subject   string `json:"s"`
	Predicate string `json:"p"`
	Object    string `json:"o"`
}

// Context is the retrieval result used to ground query generation.
type Context struct {
	Entities []string          `json:"entities,omitempty"`
	Triples  []Triple          `json:"triples,omitempty"`
	Prefixes map[string]string `json:"prefixes,omitempty"`
	Summary  string            `json:"summary,omitempty"`
}

// IsEmpty reports whether retrieval produced nothing usable.
func (c Context) IsEmpty() bool {
	return len(c.Triples) == 0 && len(c.Entities) == 0 && strings.TrimSpace(c.Summary) == ""
}

// Render formats the context as compact prompt text, at most maxTriples statements.
func (c Context) Render(maxTriples int) string {
	var sb strings.Builder
	if strings.TrimSpace(c.Summary) != "" {
		sb.WriteString(c.Summary)
		sb.WriteString("\n")
	}
	if len(c.Entities) > 0 {
		sb.WriteString("Entities: ")
		sb.WriteString(strings.Join(c.Entities, ", "))
		sb.WriteString("\n")
	}
	for i, t := range c.Triples {
		if maxTriples > 0 && i >= maxTriples {
			fmt.Fprintf(&sb, "... %d more statements\n", len(c.Triples)-i)
			break
		}
		fmt.Fprintf(&sb, "%s %s %s .\n",
			CompactIRI(t.Subject, c.Prefixes), CompactIRI(t.Predicate, c.Prefixes), CompactIRI(t.Object, c.Prefixes))
	}
	return strings.TrimSpace(sb.String())
}

// Signature is a stable representation of a row used for deduplication.
func (r Row) Signature() string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+r[k])
	}
	return strings.Join(parts, "\x1f")
}

// Shorten rewrites IRI values under a known namespace to prefix:local form. Other IRIs and
// literals are kept as they are, so values from different namespaces stay distinct.
func (r Row) Shorten(prefixes map[string]string) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = PrefixedName(v, prefixes)
	}
	return out
}

// Standardize shortens IRIs and drops duplicate rows, keeping first occurrences in order.
func Standardize(rows []Row, prefixes map[string]string) []Row {
	seen := make(map[string]struct{}, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		s := r.Shorten(prefixes)
		sig := s.Signature()
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, s)
	}
	return out
}
