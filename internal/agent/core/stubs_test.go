package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/buildingqa/internal/audit"
	"github.com/mohammad-safakhou/buildingqa/internal/cache"
	"github.com/mohammad-safakhou/buildingqa/internal/graph"
	"github.com/mohammad-safakhou/buildingqa/internal/sandbox"
	"github.com/mohammad-safakhou/buildingqa/internal/timeseries"
)

// Prompt markers used to route scripted replies.
const (
	pIntent      = "You classify questions"
	pGenerate    = "You write SPARQL queries"
	pRepair      = "SPARQL query is invalid"
	pFormat      = "from these query results"
	pReason      = "Answer the question using only the building model context"
	pFallback    = "returned no results"
	pTSQuery     = "Write one PostgreSQL SELECT"
	pCodeGen     = "Write a Python 3 script"
	pCodeRepair  = "This Python script failed"
	pAnalysisSum = "Summarise this analysis result"
	pSummary     = "Fold the conversation"
)

type llmRule struct {
	match   string
	replies []string
	err     error
	used    int
}

// scriptedLLM answers each prompt with the next reply of the first rule whose marker it
// contains. The last reply of a rule repeats.
type scriptedLLM struct {
	mu      sync.Mutex
	rules   []*llmRule
	prompts []string
}

func newScriptedLLM() *scriptedLLM { return &scriptedLLM{} }

func (s *scriptedLLM) on(match string, replies ...string) *scriptedLLM {
	s.rules = append(s.rules, &llmRule{match: match, replies: replies})
	return s
}

func (s *scriptedLLM) fail(match string, err error) *scriptedLLM {
	s.rules = append(s.rules, &llmRule{match: match, err: err})
	return s
}

func (s *scriptedLLM) Generate(_ context.Context, prompt string, _ map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	for _, r := range s.rules {
		if !strings.Contains(prompt, r.match) {
			continue
		}
		if r.err != nil {
			return "", r.err
		}
		i := r.used
		if i >= len(r.replies) {
			i = len(r.replies) - 1
		}
		r.used++
		return r.replies[i], nil
	}
	return "", errors.New("scripted llm: no rule for prompt")
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *scriptedLLM) callsMatching(match string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.prompts {
		if strings.Contains(p, match) {
			n++
		}
	}
	return n
}

type fakeRetriever struct {
	ctx   graph.Context
	err   error
	calls int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _, _ int) (graph.Context, error) {
	f.calls++
	return f.ctx, f.err
}

type fakeGraph struct {
	rows    []graph.Row
	err     error
	queries []string
}

func (f *fakeGraph) Query(_ context.Context, q string) ([]graph.Row, error) {
	f.queries = append(f.queries, q)
	return f.rows, f.err
}

type fetchCall struct {
	location string
	ids      []string
}

type fakeReadings struct {
	byLocation map[string][]timeseries.Reading
	errs       map[string]error
	queryRows  []timeseries.Reading
	fetches    []fetchCall
	queries    []string
}

func (f *fakeReadings) FetchRaw(_ context.Context, location string, ids []string, _, _ time.Time) ([]timeseries.Reading, error) {
	f.fetches = append(f.fetches, fetchCall{location: location, ids: append([]string(nil), ids...)})
	if err := f.errs[location]; err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []timeseries.Reading
	for _, r := range f.byLocation[location] {
		if want[r.Identifier] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeReadings) Query(_ context.Context, q string) ([]timeseries.Reading, error) {
	f.queries = append(f.queries, q)
	return f.queryRows, nil
}

type sandboxStep struct {
	res sandbox.Result
	err error
}

// fakeSandbox returns its steps in order; the last step repeats.
type fakeSandbox struct {
	steps []sandboxStep
	jobs  []sandbox.Job
}

func (f *fakeSandbox) Execute(_ context.Context, job sandbox.Job) (sandbox.Result, error) {
	f.jobs = append(f.jobs, job)
	i := len(f.jobs) - 1
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	return f.steps[i].res, f.steps[i].err
}

type recordingSink struct {
	records []audit.Record
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Write(_ context.Context, rec audit.Record) error {
	r.records = append(r.records, rec)
	return nil
}

type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapStore() *mapStore { return &mapStore{data: map[string][]byte{}} }

func (m *mapStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return append([]byte(nil), v...), nil
}

func (m *mapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

var testNow = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func stateWith(question string) *ConversationState {
	return &ConversationState{
		ConversationID: "conv-1",
		Messages:       []Message{NewUserMessage(question, testNow)},
	}
}

func buildingContext() graph.Context {
	return graph.Context{
		Entities: []string{"urn:bldg/Sensor_5.04", "urn:bldg/Building_X"},
		Triples: []graph.Triple{
			{Subject: "urn:bldg/Sensor_5.04", Predicate: "http://www.w3.org/1999/02/22-rdf-syntax-ns#type", Object: "https://brickschema.org/schema/Brick#Air_Temperature_Sensor"},
			{Subject: "urn:bldg/Building_X", Predicate: "http://www.w3.org/2000/01/rdf-schema#comment", Object: "Building X, 1 Main Street"},
		},
		Summary: "Sensor_5.04 (Air Temperature Sensor); Building_X (Building)",
	}
}

var testKGPrefixes = map[string]string{"brick": "https://brickschema.org/schema/Brick#"}

func hourlyReadings(id string, n int, base float64) []timeseries.Reading {
	out := make([]timeseries.Reading, n)
	for i := 0; i < n; i++ {
		out[i] = timeseries.Reading{
			Timestamp:  testNow.Add(-time.Duration(n-i) * time.Hour),
			Identifier: id,
			Value:      base + float64(i)/10,
		}
	}
	return out
}
