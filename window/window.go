// Package window implements budget-aware context management for the ReAct
// loop: token estimation, tool-result truncation and history trimming under a
// hard token ceiling. All functions are pure — they never mutate their input
// slice and carry no state beyond the Config.
package window

import (
	"strings"

	"github.com/xiaoyu-work/onevalet/core"
)

// TruncationMarker is appended to any tool result cut by TruncateToolResult.
const TruncationMarker = "[...truncated]"

// Config holds the context budget knobs. Zero values are replaced by the
// defaults below when constructing a Manager.
type Config struct {
	// TokenLimit is the hard ceiling for the estimated prompt size.
	TokenLimit int
	// TrimThreshold is the fraction of TokenLimit at which trimming starts.
	TrimThreshold float64
	// MaxHistoryMessages is how many trailing messages survive a trim.
	MaxHistoryMessages int
	// MaxToolResultShare caps a single tool result as a fraction of TokenLimit.
	MaxToolResultShare float64
	// MaxToolResultChars is the absolute character cap for a tool result.
	MaxToolResultChars int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TokenLimit:         32000,
		TrimThreshold:      0.85,
		MaxHistoryMessages: 30,
		MaxToolResultShare: 0.25,
		MaxToolResultChars: 16000,
	}
}

// Manager is a stateless calculator over message lists. It is safe for
// concurrent use; methods never retain references to their arguments.
type Manager struct {
	cfg Config
}

// NewManager constructs a Manager, filling unset config fields with defaults.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.TokenLimit <= 0 {
		cfg.TokenLimit = def.TokenLimit
	}
	if cfg.TrimThreshold <= 0 || cfg.TrimThreshold > 1 {
		cfg.TrimThreshold = def.TrimThreshold
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = def.MaxHistoryMessages
	}
	if cfg.MaxToolResultShare <= 0 || cfg.MaxToolResultShare > 1 {
		cfg.MaxToolResultShare = def.MaxToolResultShare
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = def.MaxToolResultChars
	}
	return &Manager{cfg: cfg}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// EstimateTokens approximates the prompt size of messages as total characters
// divided by four. Tool call payloads count toward the total.
func (m *Manager) EstimateTokens(messages []core.Message) int {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / 4
}

// toolResultLimit is the effective character cap for one tool result.
func (m *Manager) toolResultLimit() int {
	shareChars := int(float64(m.cfg.TokenLimit) * m.cfg.MaxToolResultShare * 4)
	if shareChars < m.cfg.MaxToolResultChars {
		return shareChars
	}
	return m.cfg.MaxToolResultChars
}

// TruncateToolResult caps text at the configured limit, preferring to cut at
// the last newline past the halfway point so truncation lands on a line
// boundary. Idempotent: a string at or under the limit is returned unchanged.
func (m *Manager) TruncateToolResult(text string) string {
	limit := m.toolResultLimit()
	if len(text) <= limit {
		return text
	}
	cut := limit - len(TruncationMarker)
	if cut < 0 {
		cut = 0
	}
	head := text[:cut]
	if nl := strings.LastIndexByte(head, '\n'); nl > cut/2 {
		head = head[:nl]
	}
	return head + TruncationMarker
}

// TrimIfNeeded returns messages unchanged while the estimate stays under
// TokenLimit*TrimThreshold; otherwise it keeps the leading system message (if
// present) plus the most recent MaxHistoryMessages messages.
func (m *Manager) TrimIfNeeded(messages []core.Message) []core.Message {
	threshold := int(float64(m.cfg.TokenLimit) * m.cfg.TrimThreshold)
	if m.EstimateTokens(messages) <= threshold {
		return messages
	}
	return m.keepRecent(messages, m.cfg.MaxHistoryMessages)
}

// TruncateAllToolResults applies TruncateToolResult to every tool-role
// message, returning a new slice. Non-tool messages are passed through.
func (m *Manager) TruncateAllToolResults(messages []core.Message) []core.Message {
	out := make([]core.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role == core.RoleTool {
			out[i].Content = m.TruncateToolResult(out[i].Content)
		}
	}
	return out
}

// ForceTrim is the aggressive fallback: the system message plus the last five
// messages only. Used as the final step of context-overflow recovery.
func (m *Manager) ForceTrim(messages []core.Message) []core.Message {
	return m.keepRecent(messages, 5)
}

func (m *Manager) keepRecent(messages []core.Message, keep int) []core.Message {
	if len(messages) == 0 {
		return messages
	}
	var system *core.Message
	rest := messages
	if messages[0].Role == core.RoleSystem {
		system = &messages[0]
		rest = messages[1:]
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	out := make([]core.Message, 0, len(rest)+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, rest...)
}
