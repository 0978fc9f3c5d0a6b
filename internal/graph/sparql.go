package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	fenceRe       = regexp.MustCompile("(?s)```[A-Za-z]*[ \t]*\\n?(.*?)```")
	labelLineRe   = regexp.MustCompile(`(?i)^\s*sparql\s*:?\s*\n`)
	prefixTightRe = regexp.MustCompile(`(?i)PREFIX\s+([A-Za-z][\w-]*)?:<`)
	prefixDeclRe  = regexp.MustCompile(`(?im)^\s*PREFIX\s+([A-Za-z][\w-]*)?:\s*<([^>]*)>`)
	iriRefRe      = regexp.MustCompile(`<[^<>\s]*>`)
	literalRe     = regexp.MustCompile(`"(?:[^"\\\n]|\\.)*"|'(?:[^'\\\n]|\\.)*'`)
	variableRe    = regexp.MustCompile(`[?$][A-Za-z_0-9]+`)
	commentRe     = regexp.MustCompile(`#[^\n]*`)
	pnameRe       = regexp.MustCompile(`(?:^|[\s(,{;/^|!])([A-Za-z][\w-]*):[A-Za-z_0-9]`)
	formRe        = regexp.MustCompile(`(?i)\b(SELECT|ASK|CONSTRUCT|DESCRIBE)\b`)
	updateRe      = regexp.MustCompile(`(?i)\b(INSERT|DELETE|DROP|CLEAR|LOAD|CREATE|COPY|MOVE)\b`)
	projectionRe  = regexp.MustCompile(`(?is)\bSELECT\s+(?:DISTINCT\s+|REDUCED\s+)?(?:\*|[?$(])`)
	pnameTokenRe  = regexp.MustCompile(`[A-Za-z][\w-]*:[\w.-]*`)
)

// ExtractQuery pulls a query out of model output, preferring the first fenced block.
func ExtractQuery(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// NormalizeQuery cleans model output into a query string: code fences and labels are
// removed, line endings unified and "PREFIX x:<iri>" spaced as "PREFIX x: <iri>".
func NormalizeQuery(text string) string {
	q := ExtractQuery(text)
	q = strings.ReplaceAll(q, "\r\n", "\n")
	q = labelLineRe.ReplaceAllString(q, "")
	q = prefixTightRe.ReplaceAllString(q, "PREFIX $1: <")
	lines := strings.Split(q, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" && len(out) > 0 && out[len(out)-1] == "" {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// scrub blanks IRIs, comments, literals and variables so keyword and prefix scans only see syntax.
func scrub(q string) string {
	q = iriRefRe.ReplaceAllString(q, "<>")
	q = commentRe.ReplaceAllString(q, "")
	q = literalRe.ReplaceAllString(q, `""`)
	return variableRe.ReplaceAllString(q, "?v")
}

// DeclaredPrefixes returns the prefixes declared in the query prologue.
func DeclaredPrefixes(q string) map[string]string {
	out := map[string]string{}
	for _, m := range prefixDeclRe.FindAllStringSubmatch(q, -1) {
		out[strings.ToLower(m[1])] = m[2]
	}
	return out
}

// UsedPrefixes returns the distinct prefix names referenced by prefixed names, sorted.
func UsedPrefixes(q string) []string {
	body := prefixDeclRe.ReplaceAllString(q, "")
	body = scrub(body)
	seen := map[string]struct{}{}
	for _, m := range pnameRe.FindAllStringSubmatch(body, -1) {
		seen[strings.ToLower(m[1])] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// EnsurePrefixes prepends declarations for every used-but-undeclared prefix known in prefixes.
func EnsurePrefixes(q string, prefixes map[string]string) string {
	declared := DeclaredPrefixes(q)
	var missing []string
	for _, p := range UsedPrefixes(q) {
		if _, ok := declared[p]; ok {
			continue
		}
		if iri, ok := prefixes[p]; ok {
			missing = append(missing, fmt.Sprintf("PREFIX %s: <%s>", p, iri))
		}
	}
	if len(missing) == 0 {
		return q
	}
	return strings.Join(missing, "\n") + "\n" + q
}

// CheckSyntax performs a structural check of a read-only query. It catches the mistakes
// generated queries usually make (unbalanced braces, undeclared prefixes, missing
// projection) without a full grammar.
func CheckSyntax(q string) error {
	if strings.TrimSpace(q) == "" {
		return fmt.Errorf("empty query")
	}
	body := pnameTokenRe.ReplaceAllString(scrub(q), "p:x")
	if m := updateRe.FindString(body); m != "" {
		return fmt.Errorf("update operation %s is not allowed", strings.ToUpper(m))
	}
	form := formRe.FindString(body)
	if form == "" {
		return fmt.Errorf("missing query form (SELECT, ASK, CONSTRUCT or DESCRIBE)")
	}
	if strings.EqualFold(form, "SELECT") && !projectionRe.MatchString(body) {
		return fmt.Errorf("SELECT has no projection")
	}
	if err := checkBalance(body); err != nil {
		return err
	}
	if !strings.Contains(body, "{") && !strings.EqualFold(form, "DESCRIBE") {
		return fmt.Errorf("missing graph pattern")
	}
	declared := DeclaredPrefixes(q)
	for _, p := range UsedPrefixes(q) {
		if _, ok := declared[p]; !ok {
			return fmt.Errorf("undeclared prefix %q", p)
		}
	}
	return nil
}

func checkBalance(body string) error {
	pairs := map[rune]rune{'}': '{', ')': '(', ']': '['}
	var stack []rune
	for i, r := range body {
		switch r {
		case '{', '(', '[':
			stack = append(stack, r)
		case '}', ')', ']':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return fmt.Errorf("unbalanced %q at offset %d", r, i)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}

func isIRI(v string) bool {
	return strings.Contains(v, "://") || strings.HasPrefix(v, "urn:")
}

// LocalName shortens an IRI to the part after the last '#' or '/'. Other values are returned unchanged.
func LocalName(v string) string {
	s := strings.TrimSuffix(strings.TrimPrefix(v, "<"), ">")
	if !isIRI(s) {
		return v
	}
	if i := strings.LastIndex(s, "#"); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	if i := strings.LastIndex(s, "/"); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	return v
}

// CompactIRI renders an IRI as prefix:local when a namespace matches, otherwise as <iri>.
// Non-IRI values are rendered as quoted literals.
func CompactIRI(v string, prefixes map[string]string) string {
	if !isIRI(v) {
		return fmt.Sprintf("%q", v)
	}
	if p, ok := matchPrefix(v, prefixes); ok {
		return p
	}
	return "<" + v + ">"
}

// PrefixedName is CompactIRI for result values: literals and IRIs outside every known
// namespace come back unchanged.
func PrefixedName(v string, prefixes map[string]string) string {
	s := strings.TrimSuffix(strings.TrimPrefix(v, "<"), ">")
	if !isIRI(s) {
		return v
	}
	if p, ok := matchPrefix(s, prefixes); ok {
		return p
	}
	return s
}

// matchPrefix picks the longest namespace that v starts with.
func matchPrefix(v string, prefixes map[string]string) (string, bool) {
	best, bestNS := "", ""
	for p, ns := range prefixes {
		if ns != "" && strings.HasPrefix(v, ns) && len(ns) > len(bestNS) {
			best, bestNS = p, ns
		}
	}
	if bestNS == "" || len(v) == len(bestNS) {
		return "", false
	}
	return best + ":" + v[len(bestNS):], true
}
