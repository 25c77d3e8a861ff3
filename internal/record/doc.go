// Package record defines the stored units of learned agent behavior.
//
// A Record is a Pattern, Solution or Decision. The three kinds share one struct
// with a Kind discriminator and optional per-kind payloads, so confidence and
// weight logic in package scoring is written once for all of them.
//
// # Invariants
//
//   - Evolution.Confidence is within [0,1]
//   - Metrics.ExecutionCount only grows, except through ResetMetrics
//   - SuccessRate is derived from Metrics and has no setter
//   - ID never changes after New assigns it
//   - Context values are scalars (string, number, boolean) with unique keys
//
// Context marshals to a JSON object and keeps its key order, so a record set
// written and read back is identical.
package record
