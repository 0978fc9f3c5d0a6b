package graph

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
)

const rdfType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"

// Retriever finds the entities a question mentions and expands their neighbourhood
// up to a fixed number of hops.
type Retriever struct {
	index      *Index
	store      Querier
	prefixes   map[string]string
	maxTriples int
	logger     *log.Logger
}

func NewRetriever(index *Index, store Querier, prefixes map[string]string, maxTriples int, logger *log.Logger) *Retriever {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if maxTriples <= 0 {
		maxTriples = 200
	}
	return &Retriever{index: index, store: store, prefixes: prefixes, maxTriples: maxTriples, logger: logger}
}

// Retrieve returns the matched entities and the statements around them. When the store
// fails mid-expansion the context gathered so far is returned together with the error.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK, hops int) (Context, error) {
	out := Context{Prefixes: r.prefixes}
	hits, err := r.index.Search(query, topK)
	if err != nil {
		return out, err
	}
	if len(hits) == 0 {
		return out, nil
	}

	var summary strings.Builder
	frontier := make([]string, 0, len(hits))
	seen := map[string]struct{}{}
	for _, h := range hits {
		out.Entities = append(out.Entities, h.Entity.Label)
		frontier = append(frontier, h.Entity.IRI)
		seen[h.Entity.IRI] = struct{}{}
		types := make([]string, 0, len(h.Entity.Types))
		for _, t := range h.Entity.Types {
			types = append(types, CompactIRI(t, r.prefixes))
		}
		fmt.Fprintf(&summary, "%s is %s", CompactIRI(h.Entity.IRI, r.prefixes), h.Entity.Label)
		if len(types) > 0 {
			fmt.Fprintf(&summary, " (%s)", strings.Join(types, ", "))
		}
		summary.WriteString("\n")
	}
	out.Summary = strings.TrimSpace(summary.String())

	tripleSeen := map[Triple]struct{}{}
	for hop := 0; hop < hops && len(frontier) > 0 && len(out.Triples) < r.maxTriples; hop++ {
		rows, err := r.store.Query(ctx, neighbourhoodQuery(frontier, r.maxTriples-len(out.Triples)))
		if err != nil {
			r.logger.Printf("[KG] warn: neighbourhood expansion hop %d failed: %v", hop+1, err)
			return out, err
		}
		var next []string
		for _, row := range rows {
			t := Triple{Subject: row["s"], Predicate: row["p"], Object: row["o"]}
			if t.Subject == "" || t.Predicate == "" {
				continue
			}
			if _, dup := tripleSeen[t]; dup {
				continue
			}
			tripleSeen[t] = struct{}{}
			out.Triples = append(out.Triples, t)
			if len(out.Triples) >= r.maxTriples {
				break
			}
			if t.Predicate == rdfType {
				continue
			}
			for _, n := range []string{t.Subject, t.Object} {
				if !isIRI(n) {
					continue
				}
				if _, ok := seen[n]; ok {
					continue
				}
				seen[n] = struct{}{}
				next = append(next, n)
			}
		}
		frontier = next
	}
	return out, nil
}

func neighbourhoodQuery(nodes []string, limit int) string {
	var values strings.Builder
	for _, n := range nodes {
		values.WriteString("<")
		values.WriteString(n)
		values.WriteString("> ")
	}
	v := strings.TrimSpace(values.String())
	return fmt.Sprintf(`SELECT ?s ?p ?o WHERE {
  { VALUES ?s { %s } ?s ?p ?o }
  UNION
  { VALUES ?o { %s } ?s ?p ?o }
} LIMIT %d`, v, v, limit)
}
