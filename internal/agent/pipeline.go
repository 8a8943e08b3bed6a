// Package agent implements the conversational reasoning pipeline: a strict
// DAG of nodes that turns one user utterance plus memory into a grounded
// reply. Routing is an enumerated transition table (state → decision →
// next node), not name-based dispatch.
//
// Per-node failures recover locally with a safe default and never abort the
// turn; only generation-call failures propagate, surfacing as task FAILURE.
// The safe defaults per node:
//
//	contextualize            missing/bad event config  → ContextError (no augmentation)
//	classify_intent          unparsable or failed call → chitchat
//	query_expansion          unparsable or failed call → no queries (no retrieval)
//	retrieve_knowledge       one query's backend error → zero docs for that query
//	conditional_augmentation missing schedule table    → no realtime info
//	final_touch              unreadable event config   → response unchanged
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/takahashiJe/OC-guidanceLLM/internal/llm"
	"github.com/takahashiJe/OC-guidanceLLM/internal/retrieval"
	"github.com/takahashiJe/OC-guidanceLLM/internal/schedule"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
)

// node identifies one pipeline state.
type node int

const (
	nodeContextualize node = iota
	nodeClassifyIntent
	nodeQueryExpansion
	nodeRetrieveKnowledge
	nodeConditionalAugmentation
	nodeGenerateRAGResponse
	nodeHandleChitchat
	nodeFinalTouch
	nodeEnd
)

func (n node) String() string {
	switch n {
	case nodeContextualize:
		return "contextualize"
	case nodeClassifyIntent:
		return "classify_intent"
	case nodeQueryExpansion:
		return "query_expansion"
	case nodeRetrieveKnowledge:
		return "retrieve_knowledge"
	case nodeConditionalAugmentation:
		return "conditional_augmentation"
	case nodeGenerateRAGResponse:
		return "generate_rag_response"
	case nodeHandleChitchat:
		return "handle_chitchat"
	case nodeFinalTouch:
		return "final_touch"
	case nodeEnd:
		return "end"
	default:
		return "unknown"
	}
}

// transition couples a node's body with its routing decision.
type transition struct {
	run  func(p *Pipeline, ctx context.Context, s *State) error
	next func(s *State) node
}

// transitions is the full graph: entry at contextualize, one conditional
// fan-out after classify_intent, both branches converging at final_touch.
var transitions = map[node]transition{
	nodeContextualize: {
		run:  (*Pipeline).contextualize,
		next: func(*State) node { return nodeClassifyIntent },
	},
	nodeClassifyIntent: {
		run: (*Pipeline).classifyIntent,
		next: func(s *State) node {
			if s.Intent == IntentKnowledgeQuestion {
				return nodeQueryExpansion
			}
			return nodeHandleChitchat
		},
	},
	nodeQueryExpansion: {
		run:  (*Pipeline).expandQueries,
		next: func(*State) node { return nodeRetrieveKnowledge },
	},
	nodeRetrieveKnowledge: {
		run:  (*Pipeline).retrieveKnowledge,
		next: func(*State) node { return nodeConditionalAugmentation },
	},
	nodeConditionalAugmentation: {
		run:  (*Pipeline).augmentRealtime,
		next: func(*State) node { return nodeGenerateRAGResponse },
	},
	nodeGenerateRAGResponse: {
		run:  (*Pipeline).generateRAGResponse,
		next: func(*State) node { return nodeFinalTouch },
	},
	nodeHandleChitchat: {
		run:  (*Pipeline).handleChitchat,
		next: func(*State) node { return nodeFinalTouch },
	},
	nodeFinalTouch: {
		run:  (*Pipeline).finalTouch,
		next: func(*State) node { return nodeEnd },
	},
}

// Pipeline holds the injected collaborators. All of them are process-wide
// services constructed once at startup; the pipeline itself is stateless
// and safe for concurrent runs.
type Pipeline struct {
	text      llm.TextGenerator
	chat      llm.ChatGenerator
	retriever retrieval.Retriever // nil disables retrieval entirely
	schedule  *schedule.Store

	// retrievalK is the passage count requested per expanded query.
	retrievalK int
}

// New creates a pipeline. retriever may be nil when no knowledge base is
// configured; the knowledge branch then answers from history alone.
func New(text llm.TextGenerator, chat llm.ChatGenerator, retriever retrieval.Retriever, sched *schedule.Store, retrievalK int) *Pipeline {
	if retrievalK <= 0 {
		retrievalK = 3
	}
	return &Pipeline{
		text:       text,
		chat:       chat,
		retriever:  retriever,
		schedule:   sched,
		retrievalK: retrievalK,
	}
}

// Run executes the graph from contextualize to end and returns the final
// state. The graph has no cycles and no retries; an error can only come
// from a generation call.
func (p *Pipeline) Run(ctx context.Context, s *State) (*State, error) {
	for n := nodeContextualize; n != nodeEnd; {
		t, ok := transitions[n]
		if !ok {
			return nil, fmt.Errorf("agent: no transition defined for node %s", n)
		}
		if err := t.run(p, ctx, s); err != nil {
			return nil, fmt.Errorf("agent: node %s failed: %w", n, err)
		}
		n = t.next(s)
	}
	return s, nil
}

// contextualize compares today with the configured event date.
func (p *Pipeline) contextualize(ctx context.Context, s *State) error {
	s.EventContext = p.schedule.CurrentContext()
	log.Printf("agent: event context is %s", s.EventContext)
	return nil
}

// classifyIntent runs structured classification of the latest utterance.
// Any failure, transport or parse, defaults to chitchat.
func (p *Pipeline) classifyIntent(ctx context.Context, s *State) error {
	response, err := p.text.Complete(ctx, llm.IntentClassificationPrompt(s.UserInput))
	if err != nil {
		log.Printf("agent: intent classification call failed, defaulting to chitchat: %v", err)
		s.Intent = IntentChitchat
		return nil
	}

	label, err := llm.ParseIntentResponse(response)
	if err != nil {
		log.Printf("agent: intent output unparsable, defaulting to chitchat: %v", err)
		s.Intent = IntentChitchat
		return nil
	}

	s.Intent = Intent(label)
	log.Printf("agent: intent classified as %s", s.Intent)
	return nil
}

// expandQueries generates 3-5 diverse search queries. An empty result means
// the retrieval node will be a no-op.
func (p *Pipeline) expandQueries(ctx context.Context, s *State) error {
	response, err := p.text.Complete(ctx, llm.QueryExpansionPrompt(s.History, s.UserInput))
	if err != nil {
		log.Printf("agent: query expansion call failed, continuing without retrieval: %v", err)
		return nil
	}

	queries, err := llm.ParseQueryExpansionResponse(response)
	if err != nil {
		log.Printf("agent: query expansion output unparsable, continuing without retrieval: %v", err)
		return nil
	}

	s.ExpandedQueries = queries
	log.Printf("agent: expanded into %d queries", len(queries))
	return nil
}

// retrieveKnowledge fans out one similarity search per expanded query and
// merges the results, dropping duplicates by exact passage text (first
// occurrence wins, in query order then rank order).
func (p *Pipeline) retrieveKnowledge(ctx context.Context, s *State) error {
	if len(s.ExpandedQueries) == 0 || p.retriever == nil {
		log.Printf("agent: no expanded queries, skipping retrieval")
		return nil
	}

	// The searches share no mutable state; issue them concurrently and
	// slot results by query index so the merge order stays deterministic.
	results := make([][]storage.Passage, len(s.ExpandedQueries))
	var wg sync.WaitGroup
	for i, query := range s.ExpandedQueries {
		wg.Add(1)
		go func(i int, query string) {
			defer wg.Done()
			passages, err := p.retriever.Search(ctx, query, p.retrievalK)
			if err != nil {
				// One backend failure must not sink sibling queries.
				log.Printf("agent: retrieval failed for query %q: %v", query, err)
				return
			}
			results[i] = passages
		}(i, query)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, passages := range results {
		for _, doc := range passages {
			if seen[doc.Content] {
				continue
			}
			seen[doc.Content] = true
			s.RetrievedDocs = append(s.RetrievedDocs, doc)
		}
	}

	log.Printf("agent: retrieved %d unique passages from %d queries",
		len(s.RetrievedDocs), len(s.ExpandedQueries))
	return nil
}

// augmentRealtime injects live schedule facts, but only while the event is
// actually happening.
func (p *Pipeline) augmentRealtime(ctx context.Context, s *State) error {
	if s.EventContext != schedule.DuringEvent {
		return nil
	}

	var docText strings.Builder
	for _, d := range s.RetrievedDocs {
		docText.WriteString(d.Content)
		docText.WriteString("\n")
	}

	topic := p.schedule.SelectTopic(s.UserInput, docText.String())
	s.RealtimeInfo = p.schedule.CurrentScheduleInfo(topic)
	log.Printf("agent: realtime augmentation topic=%s info=%t", topic, s.RealtimeInfo != "")
	return nil
}

// generateRAGResponse synthesizes one answer from the numbered reference
// block, any realtime info, and the conversation history.
func (p *Pipeline) generateRAGResponse(ctx context.Context, s *State) error {
	messages := History{
		{Role: llm.RoleSystem, Content: llm.RAGSystemPrompt(BuildReferenceBlock(s.RetrievedDocs, s.RealtimeInfo))},
	}
	messages = messages.Append(s.History...)
	messages = messages.Append(llm.Message{Role: llm.RoleUser, Content: s.UserInput})

	response, err := p.chat.Chat(ctx, messages)
	if err != nil {
		return fmt.Errorf("rag response generation failed: %w", err)
	}
	s.FinalResponse = response
	return nil
}

// handleChitchat answers greetings and small talk with the fixed persona.
// Retrieval output never reaches this branch.
func (p *Pipeline) handleChitchat(ctx context.Context, s *State) error {
	messages := History{
		{Role: llm.RoleSystem, Content: llm.ChitchatSystemPrompt},
	}
	messages = messages.Append(s.History...)
	messages = messages.Append(llm.Message{Role: llm.RoleUser, Content: s.UserInput})

	response, err := p.chat.Chat(ctx, messages)
	if err != nil {
		return fmt.Errorf("chitchat response generation failed: %w", err)
	}
	s.FinalResponse = response
	return nil
}

// finalTouch appends the day countdown to knowledge answers given before
// the event. Everything else passes through unchanged.
func (p *Pipeline) finalTouch(ctx context.Context, s *State) error {
	if s.EventContext != schedule.BeforeEvent || s.Intent != IntentKnowledgeQuestion {
		return nil
	}
	if notice := p.schedule.DaysUntilEvent(); notice != "" {
		s.FinalResponse = s.FinalResponse + "\n\n" + notice
	}
	return nil
}

// BuildReferenceBlock renders the numbered passage references plus the
// realtime block fed to the RAG system prompt.
func BuildReferenceBlock(docs []storage.Passage, realtimeInfo string) string {
	var b strings.Builder
	if len(docs) == 0 {
		b.WriteString("（参考情報なし）\n")
	}
	for i, d := range docs {
		source := d.Source
		if source == "" {
			source = "不明"
		}
		fmt.Fprintf(&b, "[%d] (出典: %s) %s\n", i+1, source, d.Content)
	}
	if realtimeInfo != "" {
		b.WriteString("\n【リアルタイム情報】\n")
		b.WriteString(realtimeInfo)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
