package policy

import (
	"time"

	"github.com/linnemanlabs/ticketwarden/internal/ticket"
)

var baseSLA = map[ticket.Priority]time.Duration{
	ticket.PriorityCritical: 1 * time.Hour,
	ticket.PriorityHigh:     4 * time.Hour,
	ticket.PriorityMedium:   24 * time.Hour,
	ticket.PriorityLow:      72 * time.Hour,
}

// SLA is a computed service-level target.
type SLA struct {
	Target      time.Duration
	TargetHours float64
	WarningAt   time.Time
	BreachAt    time.Time
}

// SLA computes the target for priority adjusted by the department multiplier.
// The clock starts at now (evaluation time), not at ticket creation, so the
// target measures triage latency. Unknown priorities use the Medium target.
func (e *Engine) SLA(p ticket.Priority, department string, now time.Time) SLA {
	base, ok := baseSLA[p]
	if !ok {
		base = baseSLA[ticket.PriorityMedium]
	}
	mult := e.table.department(department).SLAMultiplier
	if mult <= 0 {
		mult = 1.0
	}
	target := time.Duration(float64(base) * mult)

	// warning at 75% of the target, breach at 100%
	warnOffset := target - target/4
	return SLA{
		Target:      target,
		TargetHours: target.Hours(),
		WarningAt:   now.Add(warnOffset),
		BreachAt:    now.Add(target),
	}
}
