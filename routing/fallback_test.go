package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyu-work/onevalet/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReason FailureReason
		wantCode   int
	}{
		{"rate limit text", errors.New("rate limit exceeded, retry later"), ReasonRateLimit, 0},
		{"rate limit code", errors.New("request failed with status code 429"), ReasonRateLimit, 429},
		{"auth", errors.New("invalid api key provided"), ReasonAuth, 0},
		{"auth code", errors.New("status 401: unauthorized"), ReasonAuth, 401},
		{"billing", errors.New("billing hard limit reached"), ReasonBilling, 0},
		{"billing code", errors.New("status code 402"), ReasonBilling, 402},
		{"timeout", errors.New("request timed out"), ReasonTimeout, 0},
		{"deadline", context.DeadlineExceeded, ReasonTimeout, 0},
		{"format", errors.New("failed to unmarshal response body"), ReasonFormat, 0},
		{"unknown", errors.New("connection reset by peer"), ReasonUnknown, 0},
		{"server error code", errors.New("upstream returned 503"), ReasonUnknown, 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, code := Classify(tt.err)
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func candidateWith(provider string, client model.Client) model.Candidate {
	return model.Candidate{Provider: provider, Model: provider + "-model", Client: client}
}

func TestFallbackClientFirstCandidateWins(t *testing.T) {
	ctx := context.Background()
	primary := model.NewMockClient("primary", "openai")
	primary.Enqueue(&model.Response{Content: "ok"})
	secondary := model.NewMockClient("secondary", "anthropic")

	fc := NewFallbackClient(func(o *FallbackOptions) {
		o.Candidates = []model.Candidate{
			candidateWith("openai", primary),
			candidateWith("anthropic", secondary),
		}
	})

	resp, err := fc.ChatComplete(ctx, model.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Empty(t, secondary.Calls())
}

func TestFallbackClientFallsThrough(t *testing.T) {
	ctx := context.Background()
	primary := model.NewMockClient("primary", "openai")
	primary.EnqueueError(errors.New("rate limit exceeded"))
	secondary := model.NewMockClient("secondary", "anthropic")
	secondary.Enqueue(&model.Response{Content: "from fallback"})

	fc := NewFallbackClient(func(o *FallbackOptions) {
		o.Candidates = []model.Candidate{
			candidateWith("openai", primary),
			candidateWith("anthropic", secondary),
		}
	})

	resp, err := fc.ChatComplete(ctx, model.Request{})
	require.NoError(t, err)
	assert.Equal(t, "from fallback", resp.Content)
	assert.Equal(t, 1, fc.ErrorCount(candidateWith("openai", primary)))

	// The failed primary is now in cooldown and skipped without being called.
	secondary.Enqueue(&model.Response{Content: "again"})
	_, err = fc.ChatComplete(ctx, model.Request{})
	require.NoError(t, err)
	assert.Len(t, primary.Calls(), 1)
}

func TestFallbackClientCooldownExpiry(t *testing.T) {
	ctx := context.Background()
	client := model.NewMockClient("only", "openai")
	client.EnqueueError(errors.New("rate limit exceeded"))
	candidate := candidateWith("openai", client)

	fc := NewFallbackClient(func(o *FallbackOptions) {
		o.Candidates = []model.Candidate{candidate}
		o.BaseCooldown = 30 * time.Second
		o.Multiplier = 2
		o.MaxCooldown = 5 * time.Minute
	})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc.now = func() time.Time { return base }

	_, err := fc.ChatComplete(ctx, model.Request{})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 1)
	assert.Equal(t, ReasonRateLimit, exhausted.Attempts[0].Reason)

	// First failure: expiry is exactly now + base.
	until, ok := fc.CooldownUntil(candidate)
	require.True(t, ok)
	assert.Equal(t, base.Add(30*time.Second), until)

	// Past expiry the candidate is tried again; success resets everything.
	fc.now = func() time.Time { return base.Add(31 * time.Second) }
	client.Enqueue(&model.Response{Content: "recovered"})
	resp, err := fc.ChatComplete(ctx, model.Request{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 0, fc.ErrorCount(candidate))
	_, ok = fc.CooldownUntil(candidate)
	assert.False(t, ok)
}

func TestFallbackClientExponentialGrowthCapped(t *testing.T) {
	ctx := context.Background()
	client := model.NewMockClient("only", "openai")
	candidate := candidateWith("openai", client)

	fc := NewFallbackClient(func(o *FallbackOptions) {
		o.Candidates = []model.Candidate{candidate}
		o.BaseCooldown = 30 * time.Second
		o.Multiplier = 2
		o.MaxCooldown = 2 * time.Minute
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc.now = func() time.Time { return now }

	wantCooldowns := []time.Duration{
		30 * time.Second,  // 30 * 2^0
		time.Minute,       // 30 * 2^1
		2 * time.Minute,   // 30 * 2^2 = 120s
		2 * time.Minute,   // capped
	}
	for i, want := range wantCooldowns {
		client.EnqueueError(errors.New("rate limit exceeded"))
		_, err := fc.ChatComplete(ctx, model.Request{})
		require.Error(t, err)
		until, ok := fc.CooldownUntil(candidate)
		require.True(t, ok)
		assert.Equal(t, now.Add(want), until, "failure %d", i+1)
		assert.Equal(t, i+1, fc.ErrorCount(candidate))
		now = until.Add(time.Second) // step past the cooldown for the next try
		fc.now = func() time.Time { return now }
	}
}

func TestFallbackClientAllInCooldown(t *testing.T) {
	ctx := context.Background()
	client := model.NewMockClient("only", "openai")
	client.EnqueueError(errors.New("boom"))
	candidate := candidateWith("openai", client)

	fc := NewFallbackClient(func(o *FallbackOptions) {
		o.Candidates = []model.Candidate{candidate}
	})
	_, err := fc.ChatComplete(ctx, model.Request{})
	require.Error(t, err)

	_, err = fc.ChatComplete(ctx, model.Request{})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 1)
	assert.True(t, exhausted.Attempts[0].Skipped)
	assert.Len(t, client.Calls(), 1)
}

func TestFallbackClientEmptyChain(t *testing.T) {
	fc := NewFallbackClient()
	_, err := fc.ChatComplete(context.Background(), model.Request{})
	require.Error(t, err)
}
