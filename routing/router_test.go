package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/model"
)

func testRules() []Rule {
	return []Rule{
		{MinScore: 1, MaxScore: 30, Provider: "cheap"},
		{MinScore: 31, MaxScore: 70, Provider: "mid"},
		{MinScore: 71, MaxScore: 100, Provider: "strong"},
	}
}

func newTestRouter(t *testing.T, classifier model.Client, optFns ...func(o *RouterOptions)) *Router {
	t.Helper()
	router, err := NewRouter(append([]func(o *RouterOptions){func(o *RouterOptions) {
		o.Classifier = classifier
		o.Rules = testRules()
		o.DefaultProvider = "mid"
	}}, optFns...)...)
	require.NoError(t, err)
	return router
}

func TestRouterRequiresDefault(t *testing.T) {
	_, err := NewRouter()
	require.Error(t, err)
}

func TestRouterFirstMatchingRuleWins(t *testing.T) {
	classifier := model.NewMockClient("classifier", "mock")
	classifier.Enqueue(&model.Response{Content: `{"reasoning": "greeting", "score": 5}`})

	router := newTestRouter(t, classifier)
	decision := router.Route(context.Background(), []core.Message{core.UserMessage("Hi")})
	assert.Equal(t, "cheap", decision.Provider)
	assert.Equal(t, 5, decision.Score)
	assert.Equal(t, "greeting", decision.Reasoning)
}

func TestRouterFencedClassifierOutput(t *testing.T) {
	classifier := model.NewMockClient("classifier", "mock")
	classifier.Enqueue(&model.Response{
		Content: "```json\n{\"reasoning\": \"complex planning\", \"score\": 90}\n```",
	})

	router := newTestRouter(t, classifier)
	decision := router.Route(context.Background(), []core.Message{core.UserMessage("plan my trip")})
	assert.Equal(t, "strong", decision.Provider)
	assert.Equal(t, 90, decision.Score)
}

func TestRouterDegradedPaths(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *model.MockClient)
	}{
		{"classifier error", func(c *model.MockClient) {
			c.EnqueueError(errors.New("rate limit exceeded"))
		}},
		{"unparseable output", func(c *model.MockClient) {
			c.Enqueue(&model.Response{Content: "I cannot rate this."})
		}},
		{"score out of range", func(c *model.MockClient) {
			c.Enqueue(&model.Response{Content: `{"reasoning": "x", "score": 250}`})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classifier := model.NewMockClient("classifier", "mock")
			tt.setup(classifier)
			router := newTestRouter(t, classifier)
			decision := router.Route(context.Background(), []core.Message{core.UserMessage("hello")})
			assert.Equal(t, "mid", decision.Provider)
		})
	}
}

func TestRouterNilClassifier(t *testing.T) {
	router := newTestRouter(t, nil)
	decision := router.Route(context.Background(), []core.Message{core.UserMessage("hello")})
	assert.Equal(t, "mid", decision.Provider)
	assert.Zero(t, decision.Score)
}

func TestRouterUnregisteredProviderFallsBack(t *testing.T) {
	classifier := model.NewMockClient("classifier", "mock")
	classifier.Enqueue(&model.Response{Content: `{"reasoning": "greeting", "score": 5}`})

	router := newTestRouter(t, classifier, func(o *RouterOptions) {
		o.HasProvider = func(provider string) bool { return provider != "cheap" }
	})
	decision := router.Route(context.Background(), []core.Message{core.UserMessage("Hi")})
	assert.Equal(t, "mid", decision.Provider)
}

func TestRouterHistoryWindow(t *testing.T) {
	classifier := model.NewMockClient("classifier", "mock")
	classifier.Enqueue(&model.Response{Content: `{"reasoning": "x", "score": 50}`})

	messages := []core.Message{
		core.SystemMessage("system prompt"),
		core.UserMessage("one"),
		core.AssistantMessage("two"),
		core.UserMessage("three"),
		core.AssistantMessage("four"),
		core.UserMessage("five"),
		core.ToolResultMessage("call-1", "lookup", "tool output"),
	}
	router := newTestRouter(t, classifier)
	router.Route(context.Background(), messages)

	calls := classifier.Calls()
	require.Len(t, calls, 1)
	sent := calls[0].Messages
	// Classifier prompt plus the last 4 user/assistant messages; system and
	// tool messages from the conversation are excluded.
	require.Len(t, sent, 5)
	assert.Equal(t, core.RoleSystem, sent[0].Role)
	assert.Equal(t, "two", sent[1].Content)
	assert.Equal(t, "five", sent[4].Content)
}
