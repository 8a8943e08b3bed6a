package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntentResponse(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{
			name:     "plain JSON",
			response: `{"intent": "knowledge_question"}`,
			want:     "knowledge_question",
		},
		{
			name:     "fenced JSON",
			response: "```json\n{\"intent\": \"greeting\"}\n```",
			want:     "greeting",
		},
		{
			name:     "surrounding prose",
			response: "分類結果は以下の通りです。\n{\"intent\": \"chitchat\"}\nご確認ください。",
			want:     "chitchat",
		},
		{
			name:     "uppercase label is normalized",
			response: `{"intent": "GREETING"}`,
			want:     "greeting",
		},
		{
			name:     "unknown label",
			response: `{"intent": "banter"}`,
			wantErr:  true,
		},
		{
			name:     "no JSON at all",
			response: "わかりません",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIntentResponse(tt.response)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQueryExpansionResponse(t *testing.T) {
	t.Run("drops blanks and duplicates", func(t *testing.T) {
		response := `{"queries": ["学食の場所", "  ", "学食の場所", "食堂はどこ"]}`
		queries, err := ParseQueryExpansionResponse(response)
		require.NoError(t, err)
		assert.Equal(t, []string{"学食の場所", "食堂はどこ"}, queries)
	})

	t.Run("caps at five queries", func(t *testing.T) {
		response := `{"queries": ["a", "b", "c", "d", "e", "f", "g"]}`
		queries, err := ParseQueryExpansionResponse(response)
		require.NoError(t, err)
		assert.Len(t, queries, 5)
	})

	t.Run("all blank is an error", func(t *testing.T) {
		_, err := ParseQueryExpansionResponse(`{"queries": ["", "  "]}`)
		assert.Error(t, err)
	})

	t.Run("fenced output", func(t *testing.T) {
		queries, err := ParseQueryExpansionResponse("```json\n{\"queries\": [\"模擬講義の時間\"]}\n```")
		require.NoError(t, err)
		assert.Equal(t, []string{"模擬講義の時間"}, queries)
	})
}

func TestExtractJSONObject(t *testing.T) {
	t.Run("nested object", func(t *testing.T) {
		raw, err := extractJSONObject(`prefix {"a": {"b": 1}} suffix`)
		require.NoError(t, err)
		assert.Equal(t, `{"a": {"b": 1}}`, raw)
	})

	t.Run("braces inside strings are ignored", func(t *testing.T) {
		raw, err := extractJSONObject(`{"a": "value with } brace"}`)
		require.NoError(t, err)
		assert.Equal(t, `{"a": "value with } brace"}`, raw)
	})

	t.Run("unbalanced object", func(t *testing.T) {
		_, err := extractJSONObject(`{"a": 1`)
		assert.Error(t, err)
	})
}
