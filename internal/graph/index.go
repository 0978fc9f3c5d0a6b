package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
)

// Entity is a labelled node of the building model.
type Entity struct {
	IRI     string   `json:"iri"`
	Label   string   `json:"label"`
	Types   []string `json:"types,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

type indexDoc struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Hit is one label index match.
type Hit struct {
	Entity Entity
	Score  float64
	Rank   int
}

// Index is a full-text index over entity labels, local names and types.
type Index struct {
	mu       sync.RWMutex
	bleve    bleve.Index
	entities map[string]Entity
}

// NewIndex opens (or creates) an on-disk index at path, or an in-memory index when path is empty.
func NewIndex(path string) (*Index, error) {
	var (
		idx bleve.Index
		err error
	)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	default:
		if _, statErr := os.Stat(path); statErr == nil {
			idx, err = bleve.Open(path)
		} else {
			idx, err = bleve.New(path, bleve.NewIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open label index: %w", err)
	}
	return &Index{bleve: idx, entities: map[string]Entity{}}, nil
}

// Add indexes entities, replacing earlier documents with the same IRI.
func (ix *Index) Add(entities []Entity) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	batch := ix.bleve.NewBatch()
	for _, e := range entities {
		if e.IRI == "" {
			continue
		}
		if strings.TrimSpace(e.Label) == "" {
			e.Label = humanize(LocalName(e.IRI))
		}
		ix.entities[e.IRI] = e
		if err := batch.Index(e.IRI, indexDoc{Label: e.Label, Text: searchText(e)}); err != nil {
			return fmt.Errorf("index %s: %w", e.IRI, err)
		}
	}
	if err := ix.bleve.Batch(batch); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	return nil
}

// Search returns up to k entities matching q, best first.
func (ix *Index) Search(q string, k int) ([]Hit, error) {
	if strings.TrimSpace(q) == "" || k <= 0 {
		return nil, nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	query := bleve.NewMatchQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k, 0, false)
	res, err := ix.bleve.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("label search: %w", err)
	}
	out := make([]Hit, 0, len(res.Hits))
	for i, hit := range res.Hits {
		e, ok := ix.entities[hit.ID]
		if !ok {
			continue
		}
		out = append(out, Hit{Entity: e, Score: hit.Score, Rank: i + 1})
	}
	return out, nil
}

// Len reports the number of indexed entities.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entities)
}

func (ix *Index) Close() error {
	return ix.bleve.Close()
}

func searchText(e Entity) string {
	parts := []string{e.Label, humanize(LocalName(e.IRI))}
	for _, t := range e.Types {
		parts = append(parts, humanize(LocalName(t)))
	}
	if e.Comment != "" {
		parts = append(parts, e.Comment)
	}
	return strings.Join(parts, " ")
}

// humanize turns Supply_Air_Temperature_Sensor or supply-air-temp into space separated words.
func humanize(s string) string {
	return strings.NewReplacer("_", " ", "-", " ").Replace(s)
}

// LoadEntitiesFile reads a JSON array of entities.
func LoadEntitiesFile(path string) ([]Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entities: %w", err)
	}
	var out []Entity
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse entities: %w", err)
	}
	return out, nil
}

// Querier executes a SPARQL query.
type Querier interface {
	Query(ctx context.Context, query string) ([]Row, error)
}

const entityQuery = `PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>
SELECT ?s ?label ?type WHERE {
  ?s a ?type .
  OPTIONAL { ?s rdfs:label ?label }
  FILTER(isIRI(?s))
} LIMIT 50000`

// LoadEntities pulls typed entities and their labels from the store.
func LoadEntities(ctx context.Context, q Querier) ([]Entity, error) {
	rows, err := q.Query(ctx, entityQuery)
	if err != nil {
		return nil, err
	}
	byIRI := map[string]*Entity{}
	var order []string
	for _, r := range rows {
		iri := r["s"]
		if iri == "" {
			continue
		}
		e, ok := byIRI[iri]
		if !ok {
			e = &Entity{IRI: iri}
			byIRI[iri] = e
			order = append(order, iri)
		}
		if e.Label == "" && r["label"] != "" {
			e.Label = r["label"]
		}
		if t := r["type"]; t != "" && !containsString(e.Types, t) {
			e.Types = append(e.Types, t)
		}
	}
	sort.Strings(order)
	out := make([]Entity, 0, len(order))
	for _, iri := range order {
		out = append(out, *byIRI[iri])
	}
	return out, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
