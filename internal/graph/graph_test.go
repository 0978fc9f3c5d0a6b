package graph

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/buildingqa/config"
)

const brick = "https://brickschema.org/schema/Brick#"

var testPrefixes = map[string]string{
	"brick": brick,
	"rdf":   "http://www.w3.org/1999/02/22-rdf-syntax-ns#",
	"bldg":  "urn:building/",
}

func TestNormalizeQuery(t *testing.T) {
	raw := "Here you go:\n```sparql\nPREFIX brick:<" + brick + ">\r\nSELECT ?s WHERE {\n\n\n  ?s a brick:Zone .\n}\n```\nHope it helps"
	got := NormalizeQuery(raw)
	want := "PREFIX brick: <" + brick + ">\nSELECT ?s WHERE {\n\n  ?s a brick:Zone .\n}"
	if got != want {
		t.Fatalf("NormalizeQuery:\n got %q\nwant %q", got, want)
	}
}

func TestEnsurePrefixesAndCheckSyntax(t *testing.T) {
	q := "SELECT ?s ?v WHERE { ?s a brick:Temperature_Sensor ; rdf:value ?v . FILTER(?v > \"x:y\") }"
	if err := CheckSyntax(q); err == nil || !strings.Contains(err.Error(), "undeclared prefix") {
		t.Fatalf("expected undeclared prefix error, got %v", err)
	}
	fixed := EnsurePrefixes(q, testPrefixes)
	if !strings.HasPrefix(fixed, "PREFIX brick: <"+brick+">\nPREFIX rdf: ") {
		t.Fatalf("unexpected prefixes:\n%s", fixed)
	}
	if err := CheckSyntax(fixed); err != nil {
		t.Fatalf("expected valid query, got %v", err)
	}
	if UsedPrefixes(fixed)[0] != "brick" {
		t.Fatalf("unexpected used prefixes %v", UsedPrefixes(fixed))
	}
}

func TestCheckSyntaxRejects(t *testing.T) {
	cases := map[string]string{
		"empty":      "   ",
		"no form":    "PREFIX brick: <" + brick + "> { ?s a brick:Zone }",
		"unbalanced": "SELECT ?s WHERE { ?s ?p ?o ",
		"update":     "DELETE WHERE { ?s ?p ?o }",
		"no project": "SELECT WHERE { ?s ?p ?o }",
	}
	for name, q := range cases {
		if err := CheckSyntax(q); err == nil {
			t.Fatalf("%s: expected error for %q", name, q)
		}
	}
	ok := "PREFIX brick: <" + brick + ">\n# it's a comment with brick:Load\nSELECT ?load WHERE { ?load a brick:Load . }"
	if err := CheckSyntax(ok); err != nil {
		t.Fatalf("expected comment and Load class to pass, got %v", err)
	}
}

func TestStandardizeShortensAndDedups(t *testing.T) {
	rows := []Row{
		{"sensor": brick + "AHU1_SAT", "uuid": "abc"},
		{"sensor": "<" + brick + "AHU1_SAT>", "uuid": "abc"},
		{"sensor": brick + "AHU2_SAT", "uuid": "def"},
	}
	got := Standardize(rows, testPrefixes)
	if len(got) != 2 {
		t.Fatalf("expected 2 rows after dedup, got %d: %v", len(got), got)
	}
	if got[0]["sensor"] != "brick:AHU1_SAT" || got[1]["sensor"] != "brick:AHU2_SAT" {
		t.Fatalf("unexpected order or shortening: %v", got)
	}
	if LocalName("42.5") != "42.5" {
		t.Fatal("literal must not be shortened")
	}
	if CompactIRI("urn:building/Floor1", testPrefixes) != "bldg:Floor1" {
		t.Fatalf("unexpected compact form %q", CompactIRI("urn:building/Floor1", testPrefixes))
	}
}

func TestStandardizeKeepsNamespacesApart(t *testing.T) {
	rows := []Row{
		{"s": "http://a.example/ns#Sensor_1"},
		{"s": "http://b.example/ns#Sensor_1"},
		{"s": "urn:building/Sensor_1", "v": "21.5"},
	}
	got := Standardize(rows, testPrefixes)
	if len(got) != 3 {
		t.Fatalf("rows from different namespaces must not collapse: %v", got)
	}
	if got[0]["s"] != "http://a.example/ns#Sensor_1" || got[1]["s"] != "http://b.example/ns#Sensor_1" {
		t.Fatalf("unknown namespaces must be kept in full: %v", got)
	}
	if got[2]["s"] != "bldg:Sensor_1" || got[2]["v"] != "21.5" {
		t.Fatalf("unexpected standardized row %v", got[2])
	}
}

const sparqlJSON = `{"head":{"vars":["s","label"]},"results":{"bindings":[
 {"s":{"type":"uri","value":"urn:building/AHU1"},"label":{"type":"literal","value":"AHU 1"}}
]}}`

func TestClientFallsBackToSecondary(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer primary.Close()
	var gotQuery string
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotQuery = r.PostForm.Get("query")
		w.Header().Set("Content-Type", "application/sparql-results+json")
		_, _ = io.WriteString(w, sparqlJSON)
	}))
	defer secondary.Close()

	c := NewClient(config.GraphConfig{PrimaryEndpoint: primary.URL, SecondaryEndpoint: secondary.URL, Timeout: time.Second}, nil)
	rows, err := c.Query(context.Background(), "SELECT * WHERE { ?s ?p ?o }")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotQuery != "SELECT * WHERE { ?s ?p ?o }" {
		t.Fatalf("secondary saw %q", gotQuery)
	}
	if len(rows) != 1 || rows[0]["label"] != "AHU 1" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestClientErrorClasses(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := down.URL
	down.Close()

	c := NewClient(config.GraphConfig{PrimaryEndpoint: downURL, Timeout: time.Second}, nil)
	if _, err := c.Query(context.Background(), "ASK {}"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "MALFORMED QUERY", http.StatusBadRequest)
	}))
	defer bad.Close()
	c = NewClient(config.GraphConfig{PrimaryEndpoint: bad.URL, SecondaryEndpoint: downURL, Timeout: time.Second}, nil)
	_, err := c.Query(context.Background(), "SELEC")
	if !errors.Is(err, ErrQuery) {
		t.Fatalf("expected ErrQuery, got %v", err)
	}
	if !strings.Contains(err.Error(), "MALFORMED QUERY") {
		t.Fatalf("expected endpoint message in error, got %v", err)
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := NewIndex("")
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	err = ix.Add([]Entity{
		{IRI: "urn:building/AHU1", Label: "Air Handling Unit 1", Types: []string{brick + "AHU"}},
		{IRI: "urn:building/Room_101_Temp", Types: []string{brick + "Zone_Air_Temperature_Sensor"}},
		{IRI: "urn:building/Chiller_A", Label: "Chiller A", Types: []string{brick + "Chiller"}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return ix
}

func TestIndexSearch(t *testing.T) {
	ix := newTestIndex(t)
	if ix.Len() != 3 {
		t.Fatalf("expected 3 entities, got %d", ix.Len())
	}
	hits, err := ix.Search("room 101 temperature", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].Entity.IRI != "urn:building/Room_101_Temp" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if hits[0].Entity.Label != "Room 101 Temp" {
		t.Fatalf("expected humanized label, got %q", hits[0].Entity.Label)
	}
	none, err := ix.Search("", 5)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no hits for empty query, got %v %v", none, err)
	}
}

type fakeQuerier struct {
	queries []string
	rows    [][]Row
	err     error
}

func (f *fakeQuerier) Query(_ context.Context, q string) ([]Row, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.rows) == 0 {
		return nil, nil
	}
	r := f.rows[0]
	f.rows = f.rows[1:]
	return r, nil
}

func TestRetrieverExpandsHops(t *testing.T) {
	ix := newTestIndex(t)
	store := &fakeQuerier{rows: [][]Row{
		{
			{"s": "urn:building/Chiller_A", "p": brick + "feeds", "o": "urn:building/AHU1"},
			{"s": "urn:building/Chiller_A", "p": "http://www.w3.org/1999/02/22-rdf-syntax-ns#type", "o": brick + "Chiller"},
		},
		{
			{"s": "urn:building/AHU1", "p": brick + "feeds", "o": "urn:building/VAV_3"},
		},
	}}
	r := NewRetriever(ix, store, testPrefixes, 50, nil)
	ctx, err := r.Retrieve(context.Background(), "chiller", 1, 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(store.queries) != 2 {
		t.Fatalf("expected 2 hops, got %d queries", len(store.queries))
	}
	if !strings.Contains(store.queries[1], "<urn:building/AHU1>") {
		t.Fatalf("second hop should expand AHU1, got %s", store.queries[1])
	}
	if strings.Contains(store.queries[1], brick+"Chiller>") {
		t.Fatalf("type objects must not be expanded: %s", store.queries[1])
	}
	if len(ctx.Triples) != 3 {
		t.Fatalf("expected 3 triples, got %d", len(ctx.Triples))
	}
	if ctx.IsEmpty() {
		t.Fatal("context should not be empty")
	}
	rendered := ctx.Render(10)
	if !strings.Contains(rendered, "bldg:Chiller_A brick:feeds bldg:AHU1 .") {
		t.Fatalf("unexpected render:\n%s", rendered)
	}
}

func TestRetrieverNoMatches(t *testing.T) {
	ix := newTestIndex(t)
	store := &fakeQuerier{}
	r := NewRetriever(ix, store, testPrefixes, 50, nil)
	ctx, err := r.Retrieve(context.Background(), "photovoltaic inverter", 3, 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !ctx.IsEmpty() {
		t.Fatalf("expected empty context, got %+v", ctx)
	}
	if len(store.queries) != 0 {
		t.Fatal("store must not be queried without matches")
	}
}
