package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/internal/util"
	"github.com/xiaoyu-work/onevalet/logging"
	"github.com/xiaoyu-work/onevalet/model"
)

// extractionPromptTemplate asks the model for a strict JSON object holding
// whatever declared fields appear in the user's message.
const extractionPromptTemplate = `Extract the following fields from the user's message.
Fields:
%s
Respond with a JSON object containing only the fields you can extract. Use the exact field names. If a field is not present, omit it. Respond with JSON only, no other text.

User message: %s`

// defaultApprovalPrompt is shown when a field agent needs sign-off and no
// custom prompt was configured.
const defaultApprovalPrompt = "All details are collected. Reply \"approved\" to proceed or \"rejected\" to cancel."

// FieldAction runs the agent's business step once every required field is
// collected (and approved, when approval is required). It returns the
// user-facing result text.
type FieldAction func(ctx context.Context, fields map[string]any) (string, error)

// FieldAgentOptions configures a FieldAgent beyond its schema and action.
type FieldAgentOptions struct {
	// RequireApproval pauses the agent for human sign-off before executing.
	RequireApproval bool
	// ApprovalPrompt overrides the default approval question. Rendered as a
	// template over the collected fields.
	ApprovalPrompt string
	// Extractor, when set, is used to pull field values out of free-form
	// messages. Without it the agent falls back to "name: value" parsing.
	Extractor model.Client
	// Logger for extraction and execution events. Defaults to NoOp.
	Logger logging.Logger
}

// FieldAgent is a slot-filling agent: it collects the fields its schema
// declares, optionally pauses for approval, then runs its action. It is the
// concrete agent the dispatcher exercises when a type is exposed as an
// agent-tool.
type FieldAgent struct {
	instance        *core.AgentInstance
	schema          core.Schema
	action          FieldAction
	requireApproval bool
	approvalPrompt  string
	extractor       model.Client
	logger          logging.Logger
}

var _ core.Agent = (*FieldAgent)(nil)

// NewFieldAgent constructs a field agent. A nil instance starts a fresh
// agent; a non-nil one rehydrates previously persisted state.
func NewFieldAgent(tenantID string, instance *core.AgentInstance, schema core.Schema, action FieldAction, optFns ...func(o *FieldAgentOptions)) (*FieldAgent, error) {
	opts := FieldAgentOptions{ApprovalPrompt: defaultApprovalPrompt}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ApprovalPrompt == "" {
		opts.ApprovalPrompt = defaultApprovalPrompt
	}
	if instance == nil {
		instance = core.NewAgentInstance(schema.AgentType, tenantID)
		instance.SchemaVersion = schema.Version()
	} else if instance.Type != schema.AgentType {
		return nil, fmt.Errorf("field agent: instance type %q does not match schema type %q", instance.Type, schema.AgentType)
	}
	return &FieldAgent{
		instance:        instance,
		schema:          schema,
		action:          action,
		requireApproval: opts.RequireApproval,
		approvalPrompt:  opts.ApprovalPrompt,
		extractor:       opts.Extractor,
		logger:          logging.OrNoOp(opts.Logger),
	}, nil
}

// FieldAgentType wraps a schema and action into a registrable AgentType whose
// factory builds FieldAgents.
func FieldAgentType(description string, schema core.Schema, action FieldAction, optFns ...func(o *FieldAgentOptions)) AgentType {
	return AgentType{
		Name:        schema.AgentType,
		Description: description,
		Schema:      schema,
		Factory: func(tenantID string, instance *core.AgentInstance) (core.Agent, error) {
			return NewFieldAgent(tenantID, instance, schema, action, optFns...)
		},
	}
}

// Instance exposes the mutable state backing this agent.
func (a *FieldAgent) Instance() *core.AgentInstance { return a.instance }

// Reply feeds one message to the agent and advances it: extract fields, ask
// for the next missing one, pause for approval, or execute.
func (a *FieldAgent) Reply(ctx context.Context, message string) (*core.ReplyResult, error) {
	if a.instance.Status.IsTerminal() {
		return nil, fmt.Errorf("field agent %s: already %s", a.instance.ID, a.instance.Status)
	}
	if a.instance.Status == core.StatusCreated {
		if err := a.instance.Transition(core.StatusCollecting); err != nil {
			return nil, err
		}
	}
	a.collect(ctx, message, false)
	return a.advance(ctx)
}

// Pause suspends the agent, surfacing the prompt a caller should show later.
func (a *FieldAgent) Pause(ctx context.Context) (*core.ReplyResult, error) {
	if a.instance.Status.IsTerminal() {
		return nil, fmt.Errorf("field agent %s: already %s", a.instance.ID, a.instance.Status)
	}
	if a.instance.Status == core.StatusWaitingForApproval {
		return a.reply(a.renderedApprovalPrompt()), nil
	}
	if a.instance.Status != core.StatusWaitingForInput {
		if err := a.instance.Transition(core.StatusWaitingForInput); err != nil {
			return nil, err
		}
	}
	return a.reply(a.nextPrompt()), nil
}

// Resume continues a paused agent. In WAITING_FOR_APPROVAL the message is a
// decision: "approved" executes, anything else cancels. In WAITING_FOR_INPUT
// the message answers the outstanding field prompt.
func (a *FieldAgent) Resume(ctx context.Context, message string) (*core.ReplyResult, error) {
	switch a.instance.Status {
	case core.StatusWaitingForApproval:
		if strings.EqualFold(strings.TrimSpace(message), "approved") {
			return a.execute(ctx)
		}
		if err := a.instance.Transition(core.StatusCancelled); err != nil {
			return nil, err
		}
		return a.reply("Request cancelled."), nil
	case core.StatusWaitingForInput:
		if err := a.instance.Transition(core.StatusCollecting); err != nil {
			return nil, err
		}
		a.collect(ctx, message, true)
		return a.advance(ctx)
	default:
		return nil, fmt.Errorf("field agent %s: cannot resume from %s", a.instance.ID, a.instance.Status)
	}
}

// advance drives the agent from COLLECTING to its next stop: a missing-field
// prompt, the approval gate, or execution.
func (a *FieldAgent) advance(ctx context.Context) (*core.ReplyResult, error) {
	if len(a.schema.MissingFields(a.instance.CollectedFields)) > 0 {
		if err := a.instance.Transition(core.StatusWaitingForInput); err != nil {
			return nil, err
		}
		return a.reply(a.nextPrompt()), nil
	}
	if a.requireApproval {
		if err := a.instance.Transition(core.StatusWaitingForApproval); err != nil {
			return nil, err
		}
		res := a.reply(a.renderedApprovalPrompt())
		res.Metadata = map[string]any{"fields": a.instance.CollectedFields}
		return res, nil
	}
	return a.execute(ctx)
}

// execute runs the configured action and settles the agent into a terminal state.
func (a *FieldAgent) execute(ctx context.Context) (*core.ReplyResult, error) {
	if err := a.instance.Transition(core.StatusExecuting); err != nil {
		return nil, err
	}
	text, err := a.runAction(ctx)
	if err != nil {
		a.logger.Warn("field agent action failed",
			"agent_id", a.instance.ID, "agent_type", a.instance.Type, "error", err)
		a.instance.ExecutionState["error"] = err.Error()
		if terr := a.instance.Transition(core.StatusFailed); terr != nil {
			return nil, terr
		}
		return a.reply(fmt.Sprintf("The task failed: %s", err)), nil
	}
	a.instance.ExecutionState["result"] = text
	if err := a.instance.Transition(core.StatusCompleted); err != nil {
		return nil, err
	}
	return a.reply(text), nil
}

func (a *FieldAgent) runAction(ctx context.Context) (string, error) {
	if a.action == nil {
		return fmt.Sprintf("Collected %d field(s) for %s.", len(a.instance.CollectedFields), a.instance.Type), nil
	}
	return a.action(ctx, a.instance.CollectedFields)
}

// collect merges whatever fields the message carries into CollectedFields.
// Extraction failures degrade to heuristics; they never fail the turn.
// answering is true when the message answers an outstanding field prompt,
// which lets a bare value fill the field it was asked for.
func (a *FieldAgent) collect(ctx context.Context, message string, answering bool) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	if a.extractor != nil {
		if extracted, err := a.extractWithModel(ctx, message); err == nil {
			a.merge(extracted)
			return
		} else {
			a.logger.Debug("model field extraction failed, falling back",
				"agent_id", a.instance.ID, "error", err)
		}
	}
	a.merge(parseFieldPairs(message))

	if !answering {
		return
	}
	missing := a.schema.MissingFields(a.instance.CollectedFields)
	if len(missing) >= 1 && !strings.Contains(message, ":") {
		a.instance.CollectedFields[missing[0].Name] = message
	}
}

// extractWithModel asks the extractor for a JSON object of field values.
func (a *FieldAgent) extractWithModel(ctx context.Context, message string) (map[string]any, error) {
	var lines []string
	for _, f := range a.schema.Fields {
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", f.Name, f.Type, f.Description))
	}
	prompt := fmt.Sprintf(extractionPromptTemplate, strings.Join(lines, "\n"), message)

	res, err := a.extractor.ChatComplete(ctx, model.Request{
		Messages: []core.Message{core.UserMessage(prompt)},
	})
	if err != nil {
		return nil, err
	}
	extracted := map[string]any{}
	if err := util.ExtractJSONObject(res.Content, &extracted); err != nil {
		return nil, err
	}
	return extracted, nil
}

// merge keeps only declared fields and never overwrites a collected value
// with an empty one.
func (a *FieldAgent) merge(fields map[string]any) {
	for name, value := range fields {
		if _, ok := a.schema.Field(name); !ok {
			continue
		}
		if s, isStr := value.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		a.instance.CollectedFields[name] = value
	}
}

// nextPrompt renders the question for the first missing required field.
func (a *FieldAgent) nextPrompt() string {
	missing := a.schema.MissingFields(a.instance.CollectedFields)
	if len(missing) == 0 {
		return "Anything else to add?"
	}
	f := missing[0]
	if f.Prompt == "" {
		if f.Description != "" {
			return fmt.Sprintf("Please provide %s (%s).", f.Name, f.Description)
		}
		return fmt.Sprintf("Please provide %s.", f.Name)
	}
	rendered, err := util.RenderTemplate(f.Prompt, a.instance.CollectedFields)
	if err != nil {
		a.logger.Warn("failed to render field prompt",
			"agent_type", a.instance.Type, "field", f.Name, "error", err)
		return f.Prompt
	}
	return rendered
}

func (a *FieldAgent) renderedApprovalPrompt() string {
	rendered, err := util.RenderTemplate(a.approvalPrompt, a.instance.CollectedFields)
	if err != nil {
		return a.approvalPrompt
	}
	return rendered
}

func (a *FieldAgent) reply(text string) *core.ReplyResult {
	return &core.ReplyResult{Status: a.instance.Status, Text: text}
}

// parseFieldPairs pulls "name: value" pairs out of a message, one per line or
// comma-separated segment.
func parseFieldPairs(message string) map[string]any {
	fields := map[string]any{}
	for _, line := range strings.FieldsFunc(message, func(r rune) bool { return r == '\n' || r == ',' }) {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		fields[name] = value
	}
	return fields
}
