package core

import (
	"context"
	"io"
	"log"
	"strings"

	"github.com/mohammad-safakhou/buildingqa/internal/cache"
)

// Summarizer folds messages that fall out of the history window into the running summary.
type Summarizer struct {
	llm       Generator
	cache     *cache.PromptCache
	threshold int
	window    int
	logger    *log.Logger
}

func NewSummarizer(llm Generator, pc *cache.PromptCache, threshold, window int, logger *log.Logger) *Summarizer {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Summarizer{llm: llm, cache: pc, threshold: threshold, window: window, logger: logger}
}

// Update refreshes state.Summary when the history is longer than the threshold. A zero
// threshold disables summarization. Failures keep the previous summary.
func (s *Summarizer) Update(ctx context.Context, state *ConversationState) {
	if s == nil || s.llm == nil || s.threshold <= 0 || len(state.Messages) <= s.threshold {
		return
	}
	older := len(state.Messages) - s.window
	if older <= 0 {
		return
	}
	text, err := cachedGenerate(ctx, s.llm, s.cache, "summary", summaryPrompt(state.Summary, state.Messages[:older]), map[string]interface{}{"temperature": 0.0, "max_tokens": 300})
	if err != nil {
		s.logger.Printf("[ORCH] warn: summary update failed: %v", err)
		return
	}
	if text = strings.TrimSpace(text); text != "" {
		state.Summary = text
	}
}
