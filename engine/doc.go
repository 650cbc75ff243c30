// Package engine contains the reasoning loop and the machinery around it:
//
//   - ReactEngine runs the call-model / execute-tools loop with retry,
//     backoff, and context-overflow recovery
//   - ToolDispatcher fans tool calls out concurrently, routing agent-tool
//     names to live sub-agents
//   - Orchestrator is the inbound entry point, routing each tenant message
//     to a waiting agent or into a fresh run
//   - FieldAgent is a concrete slot-filling sub-agent with an optional
//     approval gate
//   - ApprovalQueue tracks pending human decisions per tenant
package engine
