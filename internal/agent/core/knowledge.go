package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/buildingqa/internal/audit"
	"github.com/mohammad-safakhou/buildingqa/internal/cache"
	"github.com/mohammad-safakhou/buildingqa/internal/graph"
)

const (
	notFoundMessage    = "I couldn't find anything about that in the building model."
	couldNotDetermine  = "could not determine analytics requirement"
	maxRenderedTriples = 120
	maxFormattedRows   = 50
)

// Column names recognised when scanning query results, in priority order.
var (
	identifierColumns = []string{"uuid", "timeseries_id", "ts_id", "identifier", "external_id", "point_id", "id"}
	storageColumns    = []string{"storage", "storage_location", "table", "database", "db", "location", "repository", "ref_table"}
	labelColumns      = []string{"label", "name", "sensor_label", "sensor", "point"}
)

// KnowledgeAgent answers questions from the building knowledge graph. When a generated query
// runs but yields nothing, it answers from the retrieved context instead.
type KnowledgeAgent struct {
	llm        Generator
	retriever  ContextRetriever
	store      GraphQuerier
	cache      *cache.PromptCache
	audit      audit.Sink
	prefixes   map[string]string
	topK       int
	hops       int
	maxTriples int
	logger     *log.Logger
}

// KnowledgeOptions carries the retrieval parameters of the agent.
type KnowledgeOptions struct {
	Prefixes   map[string]string
	TopK       int
	Hops       int
	MaxTriples int
}

func NewKnowledgeAgent(llm Generator, retriever ContextRetriever, store GraphQuerier, pc *cache.PromptCache, sink audit.Sink, opts KnowledgeOptions, logger *log.Logger) *KnowledgeAgent {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.TopK <= 0 {
		opts.TopK = 8
	}
	if opts.Hops < 0 {
		opts.Hops = 0
	}
	if opts.MaxTriples <= 0 {
		opts.MaxTriples = maxRenderedTriples
	}
	return &KnowledgeAgent{
		llm: llm, retriever: retriever, store: store, cache: pc, audit: sink,
		prefixes: opts.Prefixes, topK: opts.TopK, hops: opts.Hops, maxTriples: opts.MaxTriples, logger: logger,
	}
}

type generatedQuery struct {
	Query             string `json:"query"`
	AnalyticsRequired *bool  `json:"analytics_required"`
	Reasoning         string `json:"reasoning"`
}

// Run executes the knowledge query stage for the latest user message.
func (a *KnowledgeAgent) Run(ctx context.Context, state *ConversationState, intent *IntentResult) KnowledgeResult {
	question := state.LatestUserMessage()

	gctx, err := a.retriever.Retrieve(ctx, question, a.topK, a.hops)
	if err != nil {
		if gctx.IsEmpty() {
			if errors.Is(err, graph.ErrUnreachable) {
				return unreachableResult(err)
			}
			a.logger.Printf("[KG] warn: retrieval failed: %v", err)
		} else {
			a.logger.Printf("[KG] warn: retrieval incomplete, continuing with partial context: %v", err)
		}
	}
	if gctx.IsEmpty() {
		a.logger.Printf("[KG] no context for %q", truncate(question, 80))
		return KnowledgeResult{Success: false, Method: MethodNotFound, FormattedResponse: notFoundMessage}
	}
	ctxText := gctx.Render(a.maxTriples)

	if intent != nil && intent.Intent == IntentGeneral {
		answer, err := cachedGenerate(ctx, a.llm, a.cache, "kg_reason", contextReasoningPrompt(question, ctxText, false), map[string]interface{}{"temperature": 0.2})
		if err != nil {
			return KnowledgeResult{Success: false, Method: MethodDirectReasoning, Error: err.Error(),
				FormattedResponse: "I couldn't reason over the building model right now: " + err.Error()}
		}
		res := KnowledgeResult{Success: true, Method: MethodDirectReasoning, FormattedResponse: strings.TrimSpace(answer), AnalyticsDecided: true}
		a.writeAudit(ctx, state, res)
		return res
	}

	var entities []string
	if intent != nil {
		entities = intent.Entities
	}
	gen := a.generate(ctx, question, entities, ctxText)
	res := KnowledgeResult{Reasoning: gen.Reasoning}
	if gen.AnalyticsRequired != nil {
		res.AnalyticsRequired = *gen.AnalyticsRequired
		res.AnalyticsDecided = true
	}

	query, err := a.prepareQuery(ctx, gen.Query)
	res.QueryText = query
	if err != nil {
		a.logger.Printf("[KG] warn: generated query rejected after repair: %v", err)
		res.Method = MethodQueryFailed
		res.Error = err.Error()
		res.FormattedResponse = "I couldn't build a valid query for that question: " + err.Error()
		return res
	}

	rows, err := a.execute(ctx, query)
	switch {
	case errors.Is(err, graph.ErrUnreachable):
		out := unreachableResult(err)
		out.QueryText, out.Reasoning = query, res.Reasoning
		out.AnalyticsRequired, out.AnalyticsDecided = res.AnalyticsRequired, res.AnalyticsDecided
		return out
	case err != nil || len(rows) == 0:
		if err != nil {
			a.logger.Printf("[KG] warn: query execution failed, falling back to context reasoning: %v", err)
		} else {
			a.logger.Printf("[KG] query returned no rows, falling back to context reasoning")
		}
		answer, ferr := cachedGenerate(ctx, a.llm, a.cache, "kg_fallback", contextReasoningPrompt(question, ctxText, true), map[string]interface{}{"temperature": 0.2})
		if ferr != nil {
			res.Method = MethodFallback
			res.Error = ferr.Error()
			res.FormattedResponse = "The query found nothing and I couldn't reason over the context: " + ferr.Error()
			return res
		}
		res.Success = true
		res.Method = MethodFallback
		res.FormattedResponse = strings.TrimSpace(answer)
		a.writeAudit(ctx, state, res)
		return res
	}

	std := graph.Standardize(rows, a.prefixes)
	res.Success = true
	res.Method = MethodQuery
	res.RawResults = std
	res.Series, res.Labels = ExtractSeries(std)
	formatted, err := cachedGenerate(ctx, a.llm, a.cache, "kg_format", resultFormatPrompt(question, std), map[string]interface{}{"temperature": 0.2})
	if err != nil {
		a.logger.Printf("[KG] warn: formatting failed, returning rows: %v", err)
		formatted = renderRows(std, maxFormattedRows)
	}
	res.FormattedResponse = strings.TrimSpace(formatted)
	a.logger.Printf("[KG] %d rows, %d series", len(std), len(res.Series))
	a.writeAudit(ctx, state, res)
	return res
}

func unreachableResult(err error) KnowledgeResult {
	return KnowledgeResult{
		Success:           false,
		Method:            MethodUnreachable,
		Error:             err.Error(),
		FormattedResponse: "The building knowledge graph is unreachable right now, please try again later.",
	}
}

// generate asks for a query plus the analytics decision. Malformed output degrades to the
// first code block as the query with an undetermined analytics flag.
func (a *KnowledgeAgent) generate(ctx context.Context, question string, entities []string, ctxText string) generatedQuery {
	prompt := queryGenerationPrompt(question, entities, ctxText, a.prefixes)
	raw, err := cachedGenerate(ctx, a.llm, a.cache, "kg_generate", prompt, map[string]interface{}{"temperature": 0.0, "max_tokens": 1200})
	if err != nil {
		a.logger.Printf("[KG] warn: query generation failed: %v", err)
		return generatedQuery{Reasoning: couldNotDetermine}
	}
	var out generatedQuery
	if block, ok := extractFirstJSON(raw); ok && json.Unmarshal([]byte(block), &out) == nil && strings.TrimSpace(out.Query) != "" {
		return out
	}
	a.logger.Printf("[KG] warn: malformed generation output, using raw query text")
	return generatedQuery{Query: graph.ExtractQuery(raw), Reasoning: couldNotDetermine}
}

// prepareQuery normalizes, completes prefixes and syntax-checks the query, allowing one
// model repair pass.
func (a *KnowledgeAgent) prepareQuery(ctx context.Context, text string) (string, error) {
	q := graph.EnsurePrefixes(graph.NormalizeQuery(text), a.prefixes)
	firstErr := graph.CheckSyntax(q)
	if firstErr == nil {
		return q, nil
	}
	a.logger.Printf("[KG] warn: invalid query (%v), attempting repair", firstErr)
	raw, err := cachedGenerate(ctx, a.llm, a.cache, "kg_repair", queryRepairPrompt(q, firstErr, a.prefixes), map[string]interface{}{"temperature": 0.0})
	if err != nil {
		return q, fmt.Errorf("%v (repair failed: %v)", firstErr, err)
	}
	repaired := graph.EnsurePrefixes(graph.NormalizeQuery(raw), a.prefixes)
	if err := graph.CheckSyntax(repaired); err != nil {
		return repaired, err
	}
	return repaired, nil
}

// execute runs the query, serving non-empty results from the cache.
func (a *KnowledgeAgent) execute(ctx context.Context, query string) ([]graph.Row, error) {
	key := cache.Key("kg_exec", query)
	var rows []graph.Row
	if a.cache.GetJSON(ctx, "kg_exec", key, &rows) {
		return rows, nil
	}
	rows, err := a.store.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		a.cache.SetJSON(ctx, "kg_exec", key, rows)
	}
	return rows, nil
}

func (a *KnowledgeAgent) writeAudit(ctx context.Context, state *ConversationState, res KnowledgeResult) {
	if a.audit == nil {
		return
	}
	rows := make([]map[string]string, 0, len(res.RawResults))
	for _, r := range res.RawResults {
		rows = append(rows, map[string]string(r))
	}
	rec := audit.Record{
		ConversationID:    state.ConversationID,
		UserQuery:         state.LatestUserMessage(),
		AnalyticsRequired: res.AnalyticsRequired,
		Reasoning:         res.Reasoning,
		QueryText:         res.QueryText,
		QueryResults:      rows,
		FormattedResponse: res.FormattedResponse,
	}
	if err := a.audit.Write(ctx, rec); err != nil {
		a.logger.Printf("[KG] warn: audit write failed: %v", err)
	}
}

// ExtractSeries scans result rows for identifier, storage and label columns. Identifiers are
// de-duplicated keeping the first storage location seen.
func ExtractSeries(rows []graph.Row) ([]SeriesRef, map[string]string) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols := columnNames(rows)
	idCol := pickColumn(cols, identifierColumns)
	if idCol == "" {
		return nil, nil
	}
	storageCol := pickColumn(cols, storageColumns)
	labelCol := pickColumn(cols, labelColumns)

	var refs []SeriesRef
	labels := map[string]string{}
	seen := map[string]struct{}{}
	for _, r := range rows {
		id := strings.TrimSpace(r[idCol])
		if id == "" {
			continue
		}
		label := ""
		if labelCol != "" {
			label = strings.TrimSpace(r[labelCol])
			if label != "" && label != id {
				if _, ok := labels[id]; !ok {
					labels[id] = label
				}
			}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ref := SeriesRef{Identifier: id, Label: label}
		if storageCol != "" {
			ref.StorageLocation = strings.TrimSpace(r[storageCol])
		}
		refs = append(refs, ref)
	}
	if len(labels) == 0 {
		labels = nil
	}
	return refs, labels
}

func columnNames(rows []graph.Row) []string {
	set := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func pickColumn(cols, candidates []string) string {
	for _, c := range candidates {
		for _, col := range cols {
			if strings.EqualFold(col, c) {
				return col
			}
		}
	}
	return ""
}
