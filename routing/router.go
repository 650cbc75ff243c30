package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/internal/util"
	"github.com/xiaoyu-work/onevalet/logging"
	"github.com/xiaoyu-work/onevalet/model"
)

// classifierPrompt instructs the classifier model to score request
// complexity. The strict JSON contract keeps parsing deterministic; the
// parse path still tolerates fenced or slightly malformed output.
const classifierPrompt = `You are a request complexity classifier for an agent runtime.
Given the recent conversation, rate how much reasoning capability the next
model call needs on a scale from 1 to 100:
- 1-20: greetings, chit-chat, single-fact answers
- 21-50: simple lookups, short single-tool tasks
- 51-80: multi-step tasks, several tool calls, light planning
- 81-100: deep reasoning, long-horizon planning, complex synthesis

Respond with ONLY a JSON object of the form:
{"reasoning": "<one short sentence>", "score": <integer 1-100>}`

// DefaultHistoryTurns is how many trailing user/assistant messages are shown
// to the classifier.
const DefaultHistoryTurns = 4

// Rule maps a score interval (inclusive) to a provider. Rules are evaluated
// in order; the first match wins.
type Rule struct {
	MinScore int
	MaxScore int
	Provider string
}

// Decision is the outcome of routing one request.
type Decision struct {
	Provider  string
	Score     int
	Reasoning string
	LatencyMs int64
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Classifier is the model used to score complexity. Usually a small,
	// cheap candidate.
	Classifier model.Client
	// Rules is the ordered score-to-provider table.
	Rules []Rule
	// DefaultProvider is used when no rule matches, the classifier fails,
	// or the matched provider is not registered.
	DefaultProvider string
	// HistoryTurns bounds the conversation slice shown to the classifier.
	// Default 4.
	HistoryTurns int
	// HasProvider reports whether a provider is registered. Nil accepts all.
	HasProvider func(provider string) bool
	// Logger for routing events. Defaults to NoOp.
	Logger logging.Logger
}

// Router scores a conversation's complexity with a classifier model and maps
// the score to a provider name. Routing never fails: every degraded path
// (classifier error, unparseable output, unmatched score, unregistered
// provider) lands on the default provider.
type Router struct {
	classifier model.Client
	rules      []Rule
	fallback   string
	turns      int
	registered func(string) bool
	logger     logging.Logger
	now        func() time.Time
}

// NewRouter constructs a Router.
func NewRouter(optFns ...func(o *RouterOptions)) (*Router, error) {
	opts := RouterOptions{HistoryTurns: DefaultHistoryTurns}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.DefaultProvider == "" {
		return nil, fmt.Errorf("router: default provider must be set")
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = DefaultHistoryTurns
	}
	return &Router{
		classifier: opts.Classifier,
		rules:      opts.Rules,
		fallback:   opts.DefaultProvider,
		turns:      opts.HistoryTurns,
		registered: opts.HasProvider,
		logger:     logging.OrNoOp(opts.Logger),
		now:        time.Now,
	}, nil
}

type classification struct {
	Reasoning string `json:"reasoning"`
	Score     int    `json:"score"`
}

// Route scores the conversation and returns the selected provider.
func (r *Router) Route(ctx context.Context, messages []core.Message) Decision {
	start := r.now()
	decision := Decision{Provider: r.fallback}

	if r.classifier == nil {
		decision.LatencyMs = r.now().Sub(start).Milliseconds()
		return decision
	}

	req := model.Request{
		Messages: append(
			[]core.Message{core.SystemMessage(classifierPrompt)},
			lastConversationTurns(messages, r.turns)...,
		),
	}
	resp, err := r.classifier.ChatComplete(ctx, req)
	if err != nil {
		r.logger.Warn("classifier call failed, using default provider",
			"default", r.fallback, "error", err)
		decision.LatencyMs = r.now().Sub(start).Milliseconds()
		return decision
	}

	var parsed classification
	if err := util.ExtractJSONObject(resp.Content, &parsed); err != nil {
		r.logger.Warn("classifier output unparseable, using default provider",
			"default", r.fallback, "output", resp.Content, "error", err)
		decision.LatencyMs = r.now().Sub(start).Milliseconds()
		return decision
	}
	if parsed.Score < 1 || parsed.Score > 100 {
		r.logger.Warn("classifier score out of range, using default provider",
			"score", parsed.Score, "default", r.fallback)
		decision.LatencyMs = r.now().Sub(start).Milliseconds()
		return decision
	}

	decision.Score = parsed.Score
	decision.Reasoning = parsed.Reasoning
	if provider, ok := r.matchRule(parsed.Score); ok {
		decision.Provider = provider
	}
	decision.LatencyMs = r.now().Sub(start).Milliseconds()
	r.logger.Debug("routed request",
		"provider", decision.Provider, "score", decision.Score,
		"reasoning", decision.Reasoning, "latency_ms", decision.LatencyMs)
	return decision
}

// matchRule returns the first matching registered provider for score.
func (r *Router) matchRule(score int) (string, bool) {
	for _, rule := range r.rules {
		if score < rule.MinScore || score > rule.MaxScore {
			continue
		}
		if r.registered != nil && !r.registered(rule.Provider) {
			r.logger.Warn("routing rule matched unregistered provider",
				"provider", rule.Provider, "score", score)
			return "", false
		}
		return rule.Provider, true
	}
	return "", false
}

// lastConversationTurns returns the trailing n user/assistant messages,
// oldest first. System and tool messages are excluded; the classifier only
// needs the dialogue itself.
func lastConversationTurns(messages []core.Message, n int) []core.Message {
	var convo []core.Message
	for _, msg := range messages {
		if msg.Role == core.RoleUser || msg.Role == core.RoleAssistant {
			convo = append(convo, msg)
		}
	}
	if len(convo) > n {
		convo = convo[len(convo)-n:]
	}
	return convo
}
