package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/buildingqa/internal/graph"
)

// PlotMarker must be printed by scripts that saved a plot.
const PlotMarker = "PLOT_GENERATED"

// PlotPath is where plotting scripts save their figure.
const PlotPath = "output/plot.png"

func renderHistory(msgs []Message) string {
	if len(msgs) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, truncate(m.Content, 500))
	}
	return strings.TrimSpace(sb.String())
}

func intentPrompt(question, summary string, history []Message, snippets string, now time.Time) string {
	if summary == "" {
		summary = "(none)"
	}
	if snippets == "" {
		snippets = "(none)"
	}
	return fmt.Sprintf(`You classify questions about a building and its sensors.
Today is %s (UTC).

CONVERSATION SUMMARY:
%s

RECENT MESSAGES:
%s

BUILDING MODEL SNIPPETS:
%s

QUESTION: %s

Classify the question:
- "general": general knowledge or small talk that needs no building data. Answer it in direct_answer.
- "metadata": static facts about the building model (equipment, locations, relationships, which sensors exist).
- "analytics": needs sensor readings or numeric computation (current values, averages, trends, plots).

Respond ONLY as strict JSON:
{"intent": "general|metadata|analytics", "entities": [string], "required_operations": [string, e.g. "latest", "average", "max", "plot"], "time_range": {"start": RFC3339 or null, "end": RFC3339 or null}, "direct_answer": string or null, "reasoning": string}`,
		now.UTC().Format("2006-01-02"), summary, renderHistory(history), snippets, question)
}

func renderPrefixes(prefixes map[string]string) string {
	names := make([]string, 0, len(prefixes))
	for p := range prefixes {
		names = append(names, p)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, p := range names {
		fmt.Fprintf(&sb, "PREFIX %s: <%s>\n", p, prefixes[p])
	}
	return strings.TrimSpace(sb.String())
}

func queryGenerationPrompt(question string, entities []string, ctxText string, prefixes map[string]string) string {
	ents := "(none)"
	if len(entities) > 0 {
		ents = strings.Join(entities, ", ")
	}
	return fmt.Sprintf(`You write SPARQL queries over a Brick building model.

AVAILABLE PREFIXES:
%s

RELEVANT CONTEXT FROM THE MODEL:
%s

ENTITIES MENTIONED: %s
QUESTION: %s

Write one read-only SPARQL SELECT query that answers the question using only classes, predicates and
individuals that appear in the context. When the question is about sensor readings, also select the
time-series identifier (for example via ref:hasExternalReference / ref:hasTimeseriesId) and where the
readings are stored, with human-readable labels when available.
Also decide whether answering needs numeric or time-series analysis beyond the static model.

Respond ONLY as strict JSON:
{"query": "<SPARQL>", "analytics_required": true|false, "reasoning": "<one sentence>"}`,
		renderPrefixes(prefixes), ctxText, ents, question)
}

func queryRepairPrompt(query string, syntaxErr error, prefixes map[string]string) string {
	return fmt.Sprintf(`The following SPARQL query is invalid: %v

QUERY:
%s

AVAILABLE PREFIXES:
%s

Return ONLY the corrected query in a sparql code block. Declare every prefix you use, balance all
braces and keep the query read-only.`, syntaxErr, query, renderPrefixes(prefixes))
}

func renderRows(rows []graph.Row, limit int) string {
	if len(rows) == 0 {
		return "(no rows)"
	}
	cols := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			cols[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString(strings.Join(names, " | "))
	sb.WriteString("\n")
	for i, r := range rows {
		if i >= limit {
			fmt.Fprintf(&sb, "... %d more rows\n", len(rows)-i)
			break
		}
		vals := make([]string, len(names))
		for j, n := range names {
			vals[j] = r[n]
		}
		sb.WriteString(strings.Join(vals, " | "))
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func resultFormatPrompt(question string, rows []graph.Row) string {
	return fmt.Sprintf(`Answer the user's question about their building from these query results.
Be concise and specific. Do not mention SPARQL, queries or IRIs.

QUESTION: %s

RESULTS:
%s`, question, renderRows(rows, 50))
}

func contextReasoningPrompt(question, ctxText string, fallback bool) string {
	lead := "Answer the question using only the building model context below."
	if fallback {
		lead = "A structured query over the building model returned no results. Answer the question using only the context below."
	}
	return fmt.Sprintf(`%s
If the context does not contain the answer, say what related information is available instead.

CONTEXT:
%s

QUESTION: %s`, lead, ctxText, question)
}

func timeseriesQueryPrompt(question, location string, cols [3]string, tr TimeRange) string {
	return fmt.Sprintf(`Write one PostgreSQL SELECT statement for the question below.
The readings table is %s with columns %s (timestamptz), %s (text identifier) and %s (double precision).
Only consider readings between '%s' and '%s'. Return columns named timestamp, identifier and value,
ordered by timestamp. Return ONLY the SQL in a sql code block.

QUESTION: %s`, location, cols[0], cols[1], cols[2],
		tr.Start.UTC().Format(time.RFC3339), tr.End.UTC().Format(time.RFC3339), question)
}

func codeGenerationPrompt(req AnalysisRequest) string {
	plot := "Do not create plots."
	if req.Plot {
		plot = fmt.Sprintf(`Create a matplotlib figure that answers the question, save it with
plt.savefig('%s', dpi=100, bbox_inches='tight') and then print exactly %s on its own line.`, PlotPath, PlotMarker)
	}
	return fmt.Sprintf(`Write a Python 3 script that answers the question below.

DATA: data/%s.csv
%s

Available libraries: pandas, numpy, scipy, matplotlib (Agg backend). No network access.
Read the CSV with pandas, parse timestamp columns with pd.to_datetime, and print the answer to stdout
with units where known. %s

QUESTION: %s

Return ONLY the code in a python code block.`, req.Dataset.Name, req.Dataset.Description, plot, req.Question)
}

func codeRepairPrompt(req AnalysisRequest, code, errText string) string {
	return fmt.Sprintf(`This Python script failed.

SCRIPT:
%s

ERROR:
%s

Fix it. Common causes:
- ImportError: only pandas, numpy, scipy and matplotlib are installed.
- TypeError: convert columns with pd.to_numeric / pd.to_datetime before arithmetic.
- NameError: define every variable before use.
- IndexError/KeyError: check the CSV columns and empty frames before indexing.
- SyntaxError: return complete, valid Python 3.

The data is data/%s.csv (%s).
QUESTION: %s

Return ONLY the corrected code in a python code block.`, code, truncate(errText, 2000), req.Dataset.Name, req.Dataset.Description, req.Question)
}

func analysisSummaryPrompt(question, output string, hasPlot bool) string {
	plot := ""
	if hasPlot {
		plot = "A plot was generated and will be shown with your answer.\n"
	}
	return fmt.Sprintf(`Summarise this analysis result for the user in two or three sentences, keeping every number
and unit from the output.
%s
QUESTION: %s

OUTPUT:
%s`, plot, question, truncate(output, 4000))
}

func summaryPrompt(previous string, msgs []Message) string {
	if previous == "" {
		previous = "(none)"
	}
	return fmt.Sprintf(`Fold the conversation below into a short running summary (at most 120 words) that keeps the
building elements, sensors, time ranges and answers discussed.

PREVIOUS SUMMARY:
%s

MESSAGES:
%s`, previous, renderHistory(msgs))
}
