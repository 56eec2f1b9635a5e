package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
)

func TestEvaluateBoundaries(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		hours   int
		elapsed time.Duration
		want    Status
	}{
		{"10h at 7h59m", 10, 7*time.Hour + 59*time.Minute, StatusActive},
		{"10h at 8h01m", 10, 8*time.Hour + time.Minute, StatusAtRisk},
		{"10h at 10h01m", 10, 10*time.Hour + time.Minute, StatusBreached},
		{"10h exactly at deadline", 10, 10 * time.Hour, StatusAtRisk},
		{"24h at 1h", 24, time.Hour, StatusActive},
		{"24h at 20h", 24, 20 * time.Hour, StatusAtRisk},
		{"24h at 24h01m", 24, 24*time.Hour + time.Minute, StatusBreached},
		{"0h at creation", 0, 0, StatusActive},
		{"0h just after creation", 0, time.Nanosecond, StatusBreached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Evaluate(created, tt.hours, created.Add(tt.elapsed))
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, created.Add(time.Duration(tt.hours)*time.Hour), r.Deadline)
		})
	}
}

func TestEvaluateHours(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	r := Evaluate(created, 10, created.Add(11*time.Hour+30*time.Minute))
	assert.InDelta(t, 1.5, r.HoursOverdue, 1e-9)
	assert.Zero(t, r.HoursRemaining)

	r = Evaluate(created, 10, created.Add(9*time.Hour))
	assert.InDelta(t, 1.0, r.HoursRemaining, 1e-9)
	assert.Equal(t, created.Add(8*time.Hour), r.WarningAt)
}

func TestEvaluatorHoursFor(t *testing.T) {
	e := Evaluator{FallbackHours: 24}
	cfg := domain.DefaultTenantConfig(1)
	cfg.DefaultSLAHours = 10

	assert.Equal(t, 24, e.HoursFor(&domain.Thread{}, nil))
	assert.Equal(t, 24, e.HoursFor(&domain.Thread{Priority: domain.PriorityHigh}, nil))
	assert.Equal(t, 10, e.HoursFor(&domain.Thread{}, cfg))
	assert.Equal(t, 4, e.HoursFor(&domain.Thread{Priority: domain.PriorityHigh}, cfg))
	assert.Equal(t, 48, e.HoursFor(&domain.Thread{Priority: domain.PriorityLow}, cfg))

	cfg.DefaultSLAHours = -3
	assert.Zero(t, e.HoursFor(&domain.Thread{}, cfg))
}

func TestStatusIsPure(t *testing.T) {
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	thread := &domain.Thread{CreatedAt: now.Add(-9 * time.Hour)}
	cfg := domain.DefaultTenantConfig(1)
	cfg.DefaultSLAHours = 10

	e := Evaluator{FallbackHours: 24}
	assert.Equal(t, e.Status(thread, cfg, now), e.Status(thread, cfg, now))
	assert.Equal(t, StatusAtRisk, e.Status(thread, cfg, now).Status)
	assert.Equal(t, StatusActive, e.Status(thread, nil, now).Status)
}
