// Package routing selects and hardens model access for the reasoning loop.
//
// Two cooperating pieces:
//   - Router scores a conversation's complexity with a cheap classifier
//     model and maps the score to a provider through an ordered rule table.
//   - FallbackClient walks an ordered candidate chain, classifying failures
//     and applying per-candidate exponential cooldowns so a flapping
//     provider is skipped instead of retried in a tight loop.
//
// Both degrade rather than fail: routing always lands on some provider, and
// only a fully exhausted chain surfaces an error.
package routing
