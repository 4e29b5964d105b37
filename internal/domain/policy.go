package domain

import "time"

// DefaultSLA is the response time allotted to each priority.
var DefaultSLA = map[Priority]time.Duration{
	PriorityCritical: 10 * time.Minute,
	PriorityHigh:     20 * time.Minute,
	PriorityMedium:   45 * time.Minute,
	PriorityLow:      90 * time.Minute,
}

// EscalationPolicy decides when an open alert has breached its SLA and
// who it escalates to.
type EscalationPolicy struct {
	// SLA maps a priority to its allotted response time.
	SLA map[Priority]time.Duration

	// Targets maps a priority to an escalation assignee.
	Targets map[Priority]string

	// DefaultTarget is used when Targets has no entry for a priority.
	DefaultTarget string
}

// NewEscalationPolicy builds a policy from priority-name keyed maps, filling
// priorities missing from sla with DefaultSLA.
func NewEscalationPolicy(sla map[string]time.Duration, targets map[string]string, defaultTarget string) EscalationPolicy {
	p := EscalationPolicy{
		SLA:           make(map[Priority]time.Duration, len(DefaultSLA)),
		Targets:       make(map[Priority]string, len(targets)),
		DefaultTarget: defaultTarget,
	}
	for prio, d := range DefaultSLA {
		p.SLA[prio] = d
	}
	for name, d := range sla {
		if prio := Priority(name); prio.IsValid() && d > 0 {
			p.SLA[prio] = d
		}
	}
	for name, target := range targets {
		if prio := Priority(name); prio.IsValid() && target != "" {
			p.Targets[prio] = target
		}
	}
	return p
}

// SLAFor returns the SLA of a priority, falling back to the medium SLA.
func (p EscalationPolicy) SLAFor(prio Priority) time.Duration {
	if d, ok := p.SLA[prio]; ok {
		return d
	}
	if d, ok := DefaultSLA[prio]; ok {
		return d
	}
	return DefaultSLA[PriorityMedium]
}

// TargetFor resolves the escalation assignee of a priority. An empty result
// means no target is resolvable.
func (p EscalationPolicy) TargetFor(prio Priority) string {
	if t, ok := p.Targets[prio]; ok && t != "" {
		return t
	}
	return p.DefaultTarget
}

// Breached reports whether an alert is eligible for SLA escalation at now:
// it must be new, acknowledged or investigating, and its age measured from
// max(EscalatedAt, Timestamp) must exceed the SLA of its priority.
func (p EscalationPolicy) Breached(a *Alert, now time.Time) bool {
	switch a.Status {
	case StatusNew, StatusAcknowledged, StatusInvestigating:
	default:
		return false
	}
	return now.Sub(a.SLAReference()) > p.SLAFor(a.Priority)
}
