package core

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/buildingqa/internal/cache"
	"github.com/mohammad-safakhou/buildingqa/internal/graph"
)

// CachedRetriever memoizes non-empty retrieval results by query and retrieval bounds.
type CachedRetriever struct {
	next  ContextRetriever
	cache *cache.PromptCache
}

func NewCachedRetriever(next ContextRetriever, pc *cache.PromptCache) *CachedRetriever {
	return &CachedRetriever{next: next, cache: pc}
}

func (r *CachedRetriever) Retrieve(ctx context.Context, query string, topK, hops int) (graph.Context, error) {
	key := cache.Key("kg_context", fmt.Sprintf("%d|%d|%s", topK, hops, query))
	var out graph.Context
	if r.cache.GetJSON(ctx, "kg_context", key, &out) {
		return out, nil
	}
	out, err := r.next.Retrieve(ctx, query, topK, hops)
	if err == nil && !out.IsEmpty() {
		r.cache.SetJSON(ctx, "kg_context", key, out)
	}
	return out, err
}
