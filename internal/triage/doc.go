// Package triage provides the business boundary for ticket triage.
// It defines the Engine (classify, retrieve, generate and policy stages run in
// a fixed order with per-stage fallbacks), the Service (decision records,
// persistence and review notifications), the append-only Store interface,
// and the shared pipeline state.
package triage
