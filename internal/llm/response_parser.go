package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Structured-output parsers for the classification and expansion prompts.
//
// Local models wrap JSON in markdown fences or prepend commentary more often
// than not, so every parser first extracts the outermost JSON object before
// unmarshalling. Callers decide the fail-open policy; parsers just report
// whether the output was usable.

// intentPayload matches the IntentClassificationPrompt output format.
type intentPayload struct {
	Intent string `json:"intent"`
}

// queriesPayload matches the QueryExpansionPrompt output format.
type queriesPayload struct {
	Queries []string `json:"queries"`
}

// ParseIntentResponse extracts the intent label from a classification
// response. Returns an error when no valid label can be recovered; the
// pipeline maps that error to the chitchat default.
func ParseIntentResponse(response string) (string, error) {
	raw, err := extractJSONObject(response)
	if err != nil {
		return "", err
	}

	var payload intentPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", fmt.Errorf("failed to unmarshal intent response: %w", err)
	}

	intent := strings.TrimSpace(strings.ToLower(payload.Intent))
	switch intent {
	case "knowledge_question", "greeting", "chitchat":
		return intent, nil
	}
	return "", fmt.Errorf("unknown intent label %q", payload.Intent)
}

// ParseQueryExpansionResponse extracts expanded queries. Blank entries are
// dropped and duplicates removed; the result is capped at 5 queries. An
// unusable response yields a nil slice and an error, which the pipeline
// treats as "no retrieval".
func ParseQueryExpansionResponse(response string) ([]string, error) {
	raw, err := extractJSONObject(response)
	if err != nil {
		return nil, err
	}

	var payload queriesPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query expansion response: %w", err)
	}

	seen := make(map[string]bool, len(payload.Queries))
	var queries []string
	for _, q := range payload.Queries {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		queries = append(queries, q)
		if len(queries) == 5 {
			break
		}
	}

	if len(queries) == 0 {
		return nil, fmt.Errorf("query expansion response contained no usable queries")
	}
	return queries, nil
}

// extractJSONObject returns the outermost balanced {...} block in the
// response, tolerating markdown fences and surrounding prose.
func extractJSONObject(response string) (string, error) {
	s := strings.TrimSpace(response)

	// Strip markdown code fences if present.
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}
