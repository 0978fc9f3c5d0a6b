package core

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const genericResponse = "I wasn't able to produce an answer for that question."

// responseOrder lists the stages whose text can become the turn's answer, most downstream first.
var responseOrder = []Stage{StageVisualization, StageAnalytics, StageTimeseries, StageKnowledgeQuery}

// SelectResponse picks the formatted text of the most downstream stage that produced one,
// falling back to the intent's direct answer. Media comes from the same stage.
func SelectResponse(state *ConversationState) (string, []MediaArtifact, Stage) {
	for _, st := range responseOrder {
		r, ok := state.Result(st)
		if !ok {
			continue
		}
		switch {
		case r.Visualization != nil && strings.TrimSpace(r.Visualization.FormattedResponse) != "":
			return r.Visualization.FormattedResponse, r.Visualization.Media, st
		case r.Analytics != nil && strings.TrimSpace(r.Analytics.FormattedResponse) != "":
			return r.Analytics.FormattedResponse, r.Analytics.Media, st
		case r.Timeseries != nil && strings.TrimSpace(r.Timeseries.FormattedResponse) != "":
			return r.Timeseries.FormattedResponse, nil, st
		case r.Knowledge != nil && strings.TrimSpace(r.Knowledge.FormattedResponse) != "":
			return r.Knowledge.FormattedResponse, nil, st
		}
	}
	if in := state.IntentResult(); in != nil && strings.TrimSpace(in.DirectAnswer) != "" {
		return in.DirectAnswer, nil, StageIntent
	}
	return genericResponse, nil, StageResponse
}

// SubstituteLabels replaces raw identifiers in text with their labels, longest identifier
// first so that overlapping identifiers resolve to the most specific label.
func SubstituteLabels(text string, labels map[string]string) string {
	if len(labels) == 0 || text == "" {
		return text
	}
	ids := make([]string, 0, len(labels))
	for id, label := range labels {
		if id != "" && label != "" && id != label {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] < ids[j]
	})
	pairs := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		pairs = append(pairs, id, labels[id])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// respond finalizes the turn by appending the selected answer as an assistant message.
func respond(state *ConversationState, now time.Time) Message {
	text, media, from := SelectResponse(state)
	msg := Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   SubstituteLabels(text, state.Labels),
		Timestamp: now.UTC(),
		Metadata:  map[string]interface{}{"stage": from.String()},
	}
	if len(media) > 0 {
		msg.Metadata["media"] = media
	}
	state.Messages = append(state.Messages, msg)
	state.UpdatedAt = msg.Timestamp
	return msg
}

// NewUserMessage builds a user message for the next turn.
func NewUserMessage(content string, now time.Time) Message {
	return Message{ID: uuid.NewString(), Role: RoleUser, Content: strings.TrimSpace(content), Timestamp: now.UTC()}
}
