package routing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/xiaoyu-work/onevalet/logging"
	"github.com/xiaoyu-work/onevalet/model"
)

// FallbackAttempt records one failed (or skipped) candidate during a
// fallback sweep, kept for diagnostics on the aggregate error.
type FallbackAttempt struct {
	Provider   string
	Model      string
	Err        error
	Reason     FailureReason
	StatusCode int
	Skipped    bool // true when the candidate was in cooldown and never called
}

// ExhaustedError is returned when every candidate failed or was in cooldown.
type ExhaustedError struct {
	Attempts []FallbackAttempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		if a.Skipped {
			parts[i] = fmt.Sprintf("%s/%s: skipped (cooldown)", a.Provider, a.Model)
			continue
		}
		parts[i] = fmt.Sprintf("%s/%s: %s (%v)", a.Provider, a.Model, a.Reason, a.Err)
	}
	return "all model candidates exhausted: " + strings.Join(parts, "; ")
}

// FallbackOptions configures a FallbackClient.
type FallbackOptions struct {
	// Candidates is the default ordered chain tried by ChatComplete.
	Candidates []model.Candidate
	// BaseCooldown is the cooldown after a candidate's first failure.
	// Default 30s.
	BaseCooldown time.Duration
	// Multiplier grows the cooldown per consecutive failure. Default 2.
	Multiplier float64
	// MaxCooldown caps the exponential growth. Default 5m.
	MaxCooldown time.Duration
	// Logger for fallback events. Defaults to NoOp.
	Logger logging.Logger
}

// FallbackClient tries an ordered chain of model candidates, skipping any in
// cooldown. Failures are classified, counted per candidate, and punished
// with an exponential cooldown min(base * multiplier^errCount, max); a
// success resets that candidate's count and cooldown. Cooldown state is keyed
// by provider/model, so it carries across per-request chains supplied to
// ChatCompleteChain.
type FallbackClient struct {
	candidates []model.Candidate
	base       time.Duration
	multiplier float64
	max        time.Duration
	logger     logging.Logger
	now        func() time.Time

	mu        sync.Mutex
	cooldowns map[string]time.Time
	errCounts map[string]int
}

var _ model.Client = (*FallbackClient)(nil)

// NewFallbackClient constructs a FallbackClient.
func NewFallbackClient(optFns ...func(o *FallbackOptions)) *FallbackClient {
	opts := FallbackOptions{
		BaseCooldown: 30 * time.Second,
		Multiplier:   2,
		MaxCooldown:  5 * time.Minute,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BaseCooldown <= 0 {
		opts.BaseCooldown = 30 * time.Second
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 2
	}
	if opts.MaxCooldown < opts.BaseCooldown {
		opts.MaxCooldown = 5 * time.Minute
	}
	return &FallbackClient{
		candidates: opts.Candidates,
		base:       opts.BaseCooldown,
		multiplier: opts.Multiplier,
		max:        opts.MaxCooldown,
		logger:     logging.OrNoOp(opts.Logger),
		now:        time.Now,
		cooldowns:  map[string]time.Time{},
		errCounts:  map[string]int{},
	}
}

// ChatComplete implements model.Client over the default candidate chain.
func (f *FallbackClient) ChatComplete(ctx context.Context, req model.Request) (*model.Response, error) {
	return f.ChatCompleteChain(ctx, f.candidates, req)
}

// ChatCompleteChain tries the given chain in order, sharing cooldown state
// with every other chain this client has seen.
func (f *FallbackClient) ChatCompleteChain(ctx context.Context, chain []model.Candidate, req model.Request) (*model.Response, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("no model candidates configured")
	}
	var attempts []FallbackAttempt
	for _, c := range chain {
		key := candidateKey(c)
		if until, cooling := f.inCooldown(key); cooling {
			f.logger.Debug("skipping candidate in cooldown",
				"provider", c.Provider, "model", c.Model, "until", until)
			attempts = append(attempts, FallbackAttempt{
				Provider: c.Provider, Model: c.Model, Skipped: true,
			})
			continue
		}

		resp, err := c.Client.ChatComplete(ctx, req)
		if err == nil {
			f.recordSuccess(key)
			return resp, nil
		}
		if ctx.Err() != nil {
			// Caller cancellation is not a candidate failure.
			return nil, ctx.Err()
		}

		reason, statusCode := Classify(err)
		cooldown := f.recordFailure(key)
		f.logger.Warn("model candidate failed",
			"provider", c.Provider, "model", c.Model,
			"reason", string(reason), "status_code", statusCode,
			"cooldown", cooldown, "error", err)
		attempts = append(attempts, FallbackAttempt{
			Provider: c.Provider, Model: c.Model,
			Err: err, Reason: reason, StatusCode: statusCode,
		})
	}
	return nil, &ExhaustedError{Attempts: attempts}
}

// Info implements model.Client.
func (f *FallbackClient) Info() model.Info {
	return model.Info{Name: "fallback", Provider: "fallback"}
}

// CooldownUntil reports a candidate's current cooldown expiry, if any.
func (f *FallbackClient) CooldownUntil(c model.Candidate) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.cooldowns[candidateKey(c)]
	return until, ok
}

// ErrorCount reports a candidate's consecutive failure count.
func (f *FallbackClient) ErrorCount(c model.Candidate) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errCounts[candidateKey(c)]
}

func (f *FallbackClient) inCooldown(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.cooldowns[key]
	if !ok {
		return time.Time{}, false
	}
	if f.now().After(until) {
		delete(f.cooldowns, key)
		return time.Time{}, false
	}
	return until, true
}

func (f *FallbackClient) recordSuccess(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cooldowns, key)
	delete(f.errCounts, key)
}

// recordFailure bumps the candidate's error count and returns the cooldown
// applied, derived from the count before the bump so the first failure gets
// the base cooldown.
func (f *FallbackClient) recordFailure(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := f.errCounts[key]
	cooldown := time.Duration(float64(f.base) * math.Pow(f.multiplier, float64(count)))
	if cooldown > f.max || cooldown <= 0 {
		cooldown = f.max
	}
	f.errCounts[key] = count + 1
	f.cooldowns[key] = f.now().Add(cooldown)
	return cooldown
}

func candidateKey(c model.Candidate) string {
	return c.Provider + "/" + c.Model
}
