// Package sla derives SLA status for threads and escalates breaches.
package sla

import (
	"time"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusAtRisk   Status = "at_risk"
	StatusBreached Status = "breached"
)

// AtRiskRatio is the share of the SLA window after which a thread is at risk.
const AtRiskRatio = 0.8

// Result is the derived SLA state of one thread at one instant.
type Result struct {
	Status         Status    `json:"status"`
	SLAHours       int       `json:"sla_hours"`
	Deadline       time.Time `json:"deadline"`
	WarningAt      time.Time `json:"warning_threshold"`
	HoursOverdue   float64   `json:"hours_overdue,omitempty"`
	HoursRemaining float64   `json:"hours_remaining,omitempty"`
}

// Evaluator resolves SLA hours and classifies threads. It performs no I/O.
type Evaluator struct {
	// FallbackHours applies to tenants without a configuration row.
	FallbackHours int
}

// HoursFor returns the SLA threshold for thread under cfg.
func (e Evaluator) HoursFor(thread *domain.Thread, cfg *domain.TenantConfig) int {
	hours := e.FallbackHours
	if cfg != nil {
		hours = cfg.SLAHoursFor(thread.Priority)
	}
	if hours < 0 {
		hours = 0
	}
	return hours
}

// Status classifies thread at now. A zero-hour SLA is breached as soon as
// any time has passed since creation.
func (e Evaluator) Status(thread *domain.Thread, cfg *domain.TenantConfig, now time.Time) Result {
	return Evaluate(thread.CreatedAt, e.HoursFor(thread, cfg), now)
}

// Evaluate classifies a thread created at createdAt with an slaHours window.
func Evaluate(createdAt time.Time, slaHours int, now time.Time) Result {
	window := time.Duration(slaHours) * time.Hour
	r := Result{
		SLAHours:  slaHours,
		Deadline:  createdAt.Add(window),
		WarningAt: createdAt.Add(time.Duration(float64(window) * AtRiskRatio)),
	}

	switch {
	case now.After(r.Deadline):
		r.Status = StatusBreached
		r.HoursOverdue = now.Sub(r.Deadline).Hours()
	case now.After(r.WarningAt):
		r.Status = StatusAtRisk
		r.HoursRemaining = r.Deadline.Sub(now).Hours()
	default:
		r.Status = StatusActive
		r.HoursRemaining = r.Deadline.Sub(now).Hours()
	}
	return r
}
