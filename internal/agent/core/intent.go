package core

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/buildingqa/internal/cache"
)

const clarification = "I'm not sure I understood the question. Could you rephrase it and mention the room, equipment or sensor you are interested in?"

// IntentClassifier turns the latest user message into a structured intent record.
type IntentClassifier struct {
	llm           Generator
	cache         *cache.PromptCache
	retriever     ContextRetriever
	history       int
	snippetK      int
	defaultWindow time.Duration
	now           func() time.Time
	logger        *log.Logger
}

func NewIntentClassifier(llm Generator, pc *cache.PromptCache, retriever ContextRetriever, history int, defaultWindow time.Duration, now func() time.Time, logger *log.Logger) *IntentClassifier {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if now == nil {
		now = time.Now
	}
	if defaultWindow <= 0 {
		defaultWindow = 24 * time.Hour
	}
	return &IntentClassifier{llm: llm, cache: pc, retriever: retriever, history: history, snippetK: 3, defaultWindow: defaultWindow, now: now, logger: logger}
}

type intentPayload struct {
	Intent             string   `json:"intent"`
	Entities           []string `json:"entities"`
	RequiredOperations []string `json:"required_operations"`
	TimeRange          struct {
		Start *string `json:"start"`
		End   *string `json:"end"`
	} `json:"time_range"`
	DirectAnswer *string `json:"direct_answer"`
	Reasoning    string  `json:"reasoning"`
}

// Classify never fails: model or parse errors degrade to a general intent asking for clarification.
func (c *IntentClassifier) Classify(ctx context.Context, state *ConversationState) IntentResult {
	question := state.LatestUserMessage()
	now := c.now()

	snippets := ""
	if c.retriever != nil {
		gctx, err := c.retriever.Retrieve(ctx, question, c.snippetK, 0)
		if err != nil {
			c.logger.Printf("[INTENT] warn: context lookup failed: %v", err)
		}
		snippets = gctx.Summary
	}

	prompt := intentPrompt(question, state.Summary, state.RecentMessages(c.history), snippets, now)
	key := cache.Key("intent", prompt)
	var payload intentPayload
	if !c.cache.GetJSON(ctx, "intent", key, &payload) {
		raw, err := c.llm.Generate(ctx, prompt, map[string]interface{}{"temperature": 0.0, "max_tokens": 600})
		if err != nil {
			c.logger.Printf("[INTENT] warn: classification call failed: %v", err)
			return degradedIntent("classification unavailable: " + err.Error())
		}
		block, ok := extractFirstJSON(raw)
		if !ok {
			c.logger.Printf("[INTENT] warn: no JSON object in classification output")
			return degradedIntent("unparsable classification")
		}
		if err := json.Unmarshal([]byte(block), &payload); err != nil {
			c.logger.Printf("[INTENT] warn: malformed classification JSON: %v", err)
			return degradedIntent("unparsable classification")
		}
		c.cache.SetJSON(ctx, "intent", key, payload)
	}

	res := IntentResult{
		Intent:             normalizeIntent(payload.Intent),
		Entities:           cleanList(payload.Entities),
		RequiredOperations: cleanList(payload.RequiredOperations),
		Reasoning:          payload.Reasoning,
	}
	if payload.DirectAnswer != nil {
		res.DirectAnswer = strings.TrimSpace(*payload.DirectAnswer)
	}
	if res.Intent == IntentGeneral && res.DirectAnswer == "" {
		c.logger.Printf("[INTENT] warn: general intent without a direct answer, asking for clarification")
		res.DirectAnswer = clarification
	}
	res.TimeRange = c.resolveRange(payload, now)
	c.logger.Printf("[INTENT] %s entities=%v ops=%v", res.Intent, res.Entities, res.RequiredOperations)
	return res
}

func degradedIntent(reason string) IntentResult {
	return IntentResult{Intent: IntentGeneral, DirectAnswer: clarification, Reasoning: reason, Degraded: true}
}

func normalizeIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentGeneral:
		return IntentGeneral
	case IntentAnalytics:
		return IntentAnalytics
	default:
		return IntentMetadata
	}
}

func cleanList(in []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[strings.ToLower(s)]; ok {
			continue
		}
		seen[strings.ToLower(s)] = struct{}{}
		out = append(out, s)
	}
	return out
}

// resolveRange fills missing bounds from the default window ending now.
func (c *IntentClassifier) resolveRange(p intentPayload, now time.Time) TimeRange {
	var tr TimeRange
	if p.TimeRange.Start != nil {
		tr.Start = parseLooseTime(*p.TimeRange.Start)
	}
	if p.TimeRange.End != nil {
		tr.End = parseLooseTime(*p.TimeRange.End)
	}
	if tr.End.IsZero() {
		tr.End = now.UTC()
	}
	if tr.Start.IsZero() || !tr.Start.Before(tr.End) {
		tr.Start = tr.End.Add(-c.defaultWindow)
	}
	return tr
}

func parseLooseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
