// Package model defines the provider-agnostic abstractions for calling
// language models inside OneValet.
//
// Core goals:
//   - Normalize chat completion requests/responses across vendors
//   - Unify tool / function call representation (core.ToolCall, core.ToolSchema)
//   - Keep shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockClient)
//
// Providers (e.g. OpenAI, Anthropic) implement the Client interface from this
// package so higher layers (engine, routing) remain decoupled from vendor SDKs.
package model
