package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/logging"
	"github.com/xiaoyu-work/onevalet/metrics"
	"github.com/xiaoyu-work/onevalet/model"
	"github.com/xiaoyu-work/onevalet/routing"
	"github.com/xiaoyu-work/onevalet/window"
)

// apologyText is the fixed last resort when neither the loop nor the summary
// call produced an answer.
const apologyText = "I'm sorry, I wasn't able to complete this request. Please try again or rephrase it."

// summaryPrompt asks for a best-effort wrap-up once the turn budget is spent.
const summaryPrompt = "You have run out of tool-use turns. Based on the conversation so far, give the user a concise best-effort answer or summary of what you found and what is still missing. Do not call any tools."

// ToolCallRecord is per-call telemetry attached to one run result.
type ToolCallRecord struct {
	Name        string `json:"name"`
	ArgsSummary string `json:"args_summary"`
	DurationMs  int64  `json:"duration_ms"`
	Success     bool   `json:"success"`
	ResultChars int    `json:"result_chars"`
}

// RunResult is the outcome of one reasoning loop run.
type RunResult struct {
	Response         string             `json:"response"`
	Turns            int                `json:"turns"`
	ToolCalls        []ToolCallRecord   `json:"tool_calls,omitempty"`
	TokenUsage       core.TokenUsage    `json:"token_usage"`
	DurationMs       int64              `json:"duration_ms"`
	PendingApprovals []*PendingApproval `json:"pending_approvals,omitempty"`
}

// ReactOptions configures a ReactEngine.
type ReactOptions struct {
	// Client performs the model calls. Usually a routing.FallbackClient.
	Client model.Client
	// Router, when set together with Models, picks the provider per call and
	// the fallback chain is reordered accordingly.
	Router *routing.Router
	// Models resolves provider names from routing decisions.
	Models *model.Registry
	// Window manages the token budget.
	Window *window.Manager
	// Dispatcher executes tool calls.
	Dispatcher *ToolDispatcher
	// MaxTurns bounds the loop. Default 10.
	MaxTurns int
	// LLMMaxRetries bounds rate-limit retries within one call. Default 3.
	LLMMaxRetries int
	// RetryBaseDelay seeds the rate-limit backoff. Default 500ms.
	RetryBaseDelay time.Duration
	// Metrics is optional; all methods are nil-safe.
	Metrics *metrics.Collector
	// Logger for loop events. Defaults to NoOp.
	Logger logging.Logger
}

// ReactEngine drives the reason-act loop: call the model, execute the tool
// calls it asks for, feed the results back, and repeat until a tool-free
// answer or the turn budget runs out.
type ReactEngine struct {
	client     model.Client
	router     *routing.Router
	models     *model.Registry
	window     *window.Manager
	dispatcher *ToolDispatcher
	maxTurns   int
	maxRetries int
	retryBase  time.Duration
	metrics    *metrics.Collector
	logger     logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewReactEngine constructs a ReactEngine.
func NewReactEngine(optFns ...func(o *ReactOptions)) (*ReactEngine, error) {
	opts := ReactOptions{
		MaxTurns:       10,
		LLMMaxRetries:  3,
		RetryBaseDelay: 500 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("react engine: model client must be set")
	}
	if opts.Window == nil {
		opts.Window = window.NewManager(window.DefaultConfig())
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewToolDispatcher()
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 10
	}
	if opts.LLMMaxRetries <= 0 {
		opts.LLMMaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	return &ReactEngine{
		client:     opts.Client,
		router:     opts.Router,
		models:     opts.Models,
		window:     opts.Window,
		dispatcher: opts.Dispatcher,
		maxTurns:   opts.MaxTurns,
		maxRetries: opts.LLMMaxRetries,
		retryBase:  opts.RetryBaseDelay,
		metrics:    opts.Metrics,
		logger:     logging.OrNoOp(opts.Logger),
		sleep:      sleepCtx,
	}, nil
}

// Run executes the loop over the given conversation. The returned RunResult
// always carries a user-facing Response; hard failures (auth, exhausted
// candidates) surface as an error instead.
func (e *ReactEngine) Run(ctx context.Context, tenantID string, messages []core.Message, tools []core.ToolSchema) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{}
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		e.metrics.ObserveRun(result.Turns, result.TokenUsage.PromptTokens, result.TokenUsage.CompletionTokens)
	}()

	for turn := 1; turn <= e.maxTurns; turn++ {
		result.Turns = turn
		messages = e.window.TrimIfNeeded(messages)

		resp, err := e.callModel(ctx, &messages, tools)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", turn, err)
		}
		result.TokenUsage.Add(resp.Usage)

		if !resp.HasToolCalls() {
			result.Response = resp.Content
			return result, nil
		}

		messages = append(messages, core.AssistantToolCallMessage(resp.Content, resp.ToolCalls))
		e.logger.Debug("executing tool calls",
			"tenant_id", tenantID, "turn", turn, "count", len(resp.ToolCalls))

		dispatched := e.dispatcher.ExecuteAll(ctx, tenantID, resp.ToolCalls)
		var waitingText string
		for i, dr := range dispatched {
			content := e.window.TruncateToolResult(dr.Content)
			messages = append(messages, core.ToolResultMessage(dr.CallID, dr.Name, content))
			result.ToolCalls = append(result.ToolCalls, ToolCallRecord{
				Name:        dr.Name,
				ArgsSummary: summarizeArgs(resp.ToolCalls[i]),
				DurationMs:  dr.DurationMs,
				Success:     dr.Success,
				ResultChars: len(dr.Content),
			})
			e.metrics.ObserveToolCall(dr.Name, time.Duration(dr.DurationMs)*time.Millisecond, dr.Success)
			if dr.Waiting && waitingText == "" {
				waitingText = dr.Content
			}
			if dr.Approval != nil {
				result.PendingApprovals = append(result.PendingApprovals, dr.Approval)
				e.metrics.ApprovalQueued()
			}
		}

		// A paused sub-agent ends the run: its prompt goes straight to the
		// user, and the agent resumes on the next inbound message.
		if waitingText != "" {
			result.Response = waitingText
			return result, nil
		}
	}

	// Turn budget exhausted: one tool-free call for a best-effort summary.
	result.Turns = e.maxTurns
	summaryMsgs := append(e.window.TrimIfNeeded(messages), core.UserMessage(summaryPrompt))
	resp, err := e.callModel(ctx, &summaryMsgs, nil)
	if err != nil {
		e.logger.Warn("summary call failed after max turns", "tenant_id", tenantID, "error", err)
		result.Response = apologyText
		return result, nil
	}
	result.TokenUsage.Add(resp.Usage)
	if strings.TrimSpace(resp.Content) == "" {
		result.Response = apologyText
		return result, nil
	}
	result.Response = resp.Content
	return result, nil
}

// callModel performs one model call with the retry and recovery policy:
// rate limits retry with exponential backoff, timeouts retry once, auth
// errors propagate immediately, and context overflow walks a three-step
// trim escalation. messages is a pointer because overflow recovery rewrites
// the conversation in place for the rest of the run.
func (e *ReactEngine) callModel(ctx context.Context, messages *[]core.Message, tools []core.ToolSchema) (*model.Response, error) {
	overflowStep := 0
	rateRetries := 0
	timeoutRetried := false

	for {
		resp, err := e.complete(ctx, *messages, tools)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isContextOverflow(err) {
			recovered, ok := e.recoverOverflow(*messages, overflowStep)
			if !ok {
				return nil, fmt.Errorf("context overflow not recoverable: %w", err)
			}
			*messages = recovered
			overflowStep++
			continue
		}

		reason, _ := routing.Classify(err)
		switch reason {
		case routing.ReasonAuth:
			return nil, err
		case routing.ReasonRateLimit:
			if rateRetries >= e.maxRetries {
				return nil, fmt.Errorf("rate limited after %d retries: %w", rateRetries, err)
			}
			delay := e.retryBase << rateRetries
			rateRetries++
			e.logger.Warn("rate limited, backing off", "attempt", rateRetries, "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		case routing.ReasonTimeout:
			if timeoutRetried {
				return nil, err
			}
			timeoutRetried = true
			e.logger.Warn("model call timed out, retrying once")
		default:
			return nil, err
		}
	}
}

// recoverOverflow applies the escalating trim steps: history trim, tool
// result truncation, then force trim. Returns false once all are spent.
func (e *ReactEngine) recoverOverflow(messages []core.Message, step int) ([]core.Message, bool) {
	switch step {
	case 0:
		e.logger.Warn("context overflow, trimming history")
		return e.window.TrimIfNeeded(messages), true
	case 1:
		e.logger.Warn("context overflow persists, truncating tool results")
		return e.window.TruncateAllToolResults(messages), true
	case 2:
		e.logger.Warn("context overflow persists, force trimming")
		return e.window.ForceTrim(messages), true
	default:
		return nil, false
	}
}

// complete performs a single attempt, routed when a router is configured.
func (e *ReactEngine) complete(ctx context.Context, messages []core.Message, tools []core.ToolSchema) (*model.Response, error) {
	req := model.Request{Messages: messages, Tools: tools}
	start := time.Now()

	provider := e.client.Info().Provider
	var resp *model.Response
	var err error
	fallback, routed := e.client.(*routing.FallbackClient)
	if routed && e.router != nil && e.models != nil {
		decision := e.router.Route(ctx, messages)
		provider = decision.Provider
		resp, err = fallback.ChatCompleteChain(ctx, e.models.ChainFor(decision.Provider), req)
	} else {
		resp, err = e.client.ChatComplete(ctx, req)
	}
	e.metrics.ObserveLLMCall(provider, time.Since(start), err)
	return resp, err
}

// isContextOverflow detects provider "prompt too large" failures, which have
// no portable error type across SDKs.
func isContextOverflow(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"context length", "context_length", "maximum context",
		"prompt is too long", "too many tokens", "context window",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// summarizeArgs renders a short single-line view of a call's arguments.
func summarizeArgs(call core.ToolCall) string {
	const maxLen = 120
	s := strings.Join(strings.Fields(string(call.Arguments)), " ")
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
