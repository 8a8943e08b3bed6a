package agent

import (
	"github.com/takahashiJe/OC-guidanceLLM/internal/llm"
	"github.com/takahashiJe/OC-guidanceLLM/internal/schedule"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
)

// Intent is the coarse classification of a user utterance that decides
// which pipeline branch runs.
type Intent string

const (
	IntentUnknown           Intent = "unknown"
	IntentKnowledgeQuestion Intent = "knowledge_question"
	IntentGreeting          Intent = "greeting"
	IntentChitchat          Intent = "chitchat"
)

// History is an append-only message sequence. Merging is always
// new = old ++ delta; Append never mutates the receiver's backing array.
type History []llm.Message

// Append returns a new History with delta appended. The full-slice
// expression forces a copy when the receiver is shared.
func (h History) Append(delta ...llm.Message) History {
	return append(h[:len(h):len(h)], delta...)
}

// State is the mutable record passed between pipeline nodes. One pipeline
// run owns its State exclusively. Fields downstream of a node stay at their
// zero value until that node runs; no node clears a field another node set.
type State struct {
	// UserInput is the current utterance. Set before the run.
	UserInput string

	// History is the deduplicated short-term memory. Set before the run.
	History History

	// EventContext is written by the contextualize node.
	EventContext schedule.EventContext

	// Intent is written by the classify_intent node.
	Intent Intent

	// ExpandedQueries is written by the query_expansion node.
	// Empty means "no retrieval".
	ExpandedQueries []string

	// RetrievedDocs is written by the retrieve_knowledge node,
	// deduplicated by exact passage text.
	RetrievedDocs []storage.Passage

	// RealtimeInfo is written by the conditional_augmentation node.
	// Empty means no realtime augmentation happened.
	RealtimeInfo string

	// FinalResponse is written by a generation node and possibly
	// overwritten (appended to) by final_touch.
	FinalResponse string
}
