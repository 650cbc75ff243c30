// Package core provides the foundational domain types and interfaces used by
// the OneValet runtime. It defines the core abstractions for:
//
//   - Messages (role-tagged chat content plus tool-call payloads)
//   - Agents (stateful conversational units with a closed status machine)
//   - Field schemas (typed slot definitions with derived versioning)
//   - Sentinel errors shared across subsystem boundaries
//
// The package intentionally keeps implementation concerns (persistence, loop
// orchestration, concrete agents, model clients) out of scope, exposing small
// interfaces to enable custom backends and extensions. Higher layers (engine,
// pool, checkpoint, routing) depend on core; core depends only on the standard
// library.
package core
