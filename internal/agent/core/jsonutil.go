package core

import (
	"context"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/buildingqa/internal/cache"
)

var codeFenceRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\\n?(.*?)```")

// extractFirstJSON returns the first balanced {...} block of s, ignoring braces inside
// string literals. ok is false when no complete object is present.
func extractFirstJSON(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// extractCode returns the body of the first fenced block, or the trimmed text.
func extractCode(s string) string {
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// cachedGenerate serves a completion from the prompt cache when the exact prompt was seen
// before, and stores fresh completions otherwise.
func cachedGenerate(ctx context.Context, gen Generator, pc *cache.PromptCache, namespace, prompt string, opts map[string]interface{}) (string, error) {
	key := cache.Key(namespace, prompt)
	if b, ok := pc.Get(ctx, namespace, key); ok {
		return string(b), nil
	}
	out, err := gen.Generate(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	pc.Set(ctx, namespace, key, []byte(out))
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
