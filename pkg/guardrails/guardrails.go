package guardrails

import "fmt"

// Metric names the engine checks against the policy. Per the external
// naming scheme, a limit pair for metric X is XWarnThreshold/XFailThreshold.
const (
	MetricMutationSize   = "mutation_size"
	MetricPartitionCells = "partition_cells"
)

// Outcome is the result of a policy check.
type Outcome int

const (
	Allow Outcome = iota
	Warn
	Reject
)

// Decision carries the outcome plus an operator-facing message for the
// warn and reject cases.
type Decision struct {
	Outcome Outcome
	Message string
}

// Policy evaluates a named metric against configured limits. The engine
// calls it before admitting an operation whose cost scales with the value;
// a rejection must surface before any state is touched.
type Policy interface {
	Evaluate(metric string, value int64) Decision
}

// Threshold is a soft/hard limit pair for one metric. -1 disables a limit.
type Threshold struct {
	WarnThreshold int64
	FailThreshold int64
}

type thresholdPolicy struct {
	enabled    bool
	thresholds map[string]Threshold
}

// NewThresholdPolicy builds a Policy from per-metric warn/fail limits.
func NewThresholdPolicy(thresholds map[string]Threshold) Policy {
	return &thresholdPolicy{enabled: true, thresholds: thresholds}
}

// Permissive returns a policy that allows everything. Useful default for
// tests and embedded use.
func Permissive() Policy {
	return &thresholdPolicy{enabled: false}
}

func (p *thresholdPolicy) Evaluate(metric string, value int64) Decision {
	if !p.enabled {
		return Decision{Outcome: Allow}
	}

	t, ok := p.thresholds[metric]
	if !ok {
		return Decision{Outcome: Allow}
	}

	if t.FailThreshold >= 0 && value > t.FailThreshold {
		return Decision{
			Outcome: Reject,
			Message: fmt.Sprintf("%s %d exceeds fail threshold %d", metric, value, t.FailThreshold),
		}
	}
	if t.WarnThreshold >= 0 && value > t.WarnThreshold {
		return Decision{
			Outcome: Warn,
			Message: fmt.Sprintf("%s %d exceeds warn threshold %d", metric, value, t.WarnThreshold),
		}
	}

	return Decision{Outcome: Allow}
}
