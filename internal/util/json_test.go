package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classification struct {
	Reasoning string `json:"reasoning"`
	Score     int    `json:"score"`
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  classification
	}{
		{
			name:  "clean JSON",
			input: `{"reasoning": "simple greeting", "score": 5}`,
			want:  classification{Reasoning: "simple greeting", Score: 5},
		},
		{
			name:  "markdown fenced",
			input: "```json\n{\"reasoning\": \"multi-step plan\", \"score\": 85}\n```",
			want:  classification{Reasoning: "multi-step plan", Score: 85},
		},
		{
			name:  "surrounding prose",
			input: `Here is my assessment: {"reasoning": "lookup", "score": 30} — hope that helps!`,
			want:  classification{Reasoning: "lookup", Score: 30},
		},
		{
			name:  "trailing comma repaired",
			input: `{"reasoning": "tool heavy", "score": 70,}`,
			want:  classification{Reasoning: "tool heavy", Score: 70},
		},
		{
			name:  "single quotes repaired",
			input: `{'reasoning': 'casual chat', 'score': 10}`,
			want:  classification{Reasoning: "casual chat", Score: 10},
		},
		{
			name:  "braces inside strings",
			input: `{"reasoning": "uses {curly} notation", "score": 40}`,
			want:  classification{Reasoning: "uses {curly} notation", Score: 40},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got classification
			require.NoError(t, ExtractJSONObject(tt.input, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSONObjectNoObject(t *testing.T) {
	var got classification
	err := ExtractJSONObject("no json here at all", &got)
	require.Error(t, err)
}

func TestExtractJSONObjectUnterminated(t *testing.T) {
	var got classification
	require.NoError(t, ExtractJSONObject(`{"reasoning": "cut off", "score": 55`, &got))
	assert.Equal(t, 55, got.Score)
}
