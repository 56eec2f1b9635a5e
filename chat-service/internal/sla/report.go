package sla

import (
	"context"
	"math"
	"time"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
)

// TenantReport is the SLA performance of one tenant over a period.
type TenantReport struct {
	TenantID          uint      `json:"tenant_id"`
	TotalThreads      int       `json:"total_threads"`
	SLAComplianceRate float64   `json:"sla_compliance_rate"`
	BreachedThreads   int       `json:"breached_threads"`
	AtRiskThreads     int       `json:"at_risk_threads"`
	AvgResolutionTime float64   `json:"avg_resolution_time"`
	PeriodDays        int       `json:"period_days"`
	GeneratedAt       time.Time `json:"report_generated_at"`
}

// TenantReport covers threads created in the last days. Resolution time is
// the span from thread creation to its latest message, in hours.
func (c *Checker) TenantReport(ctx context.Context, tenantID uint, days int) (*TenantReport, error) {
	if days <= 0 {
		days = 30
	}
	now := c.now()
	report := &TenantReport{
		TenantID:          tenantID,
		SLAComplianceRate: 100,
		PeriodDays:        days,
		GeneratedAt:       now,
	}

	cfg, err := c.tenants.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, domain.NewError("sla.report", domain.PersistenceFailure, "failed to load tenant config", err)
	}
	threads, err := c.threads.ListByTenantSince(ctx, tenantID, now.AddDate(0, 0, -days))
	if err != nil {
		return nil, domain.NewError("sla.report", domain.PersistenceFailure, "failed to list threads", err)
	}

	report.TotalThreads = len(threads)
	if report.TotalThreads == 0 {
		return report, nil
	}

	var resolution []float64
	for i := range threads {
		switch c.evaluator.Status(&threads[i], cfg, now).Status {
		case StatusBreached:
			report.BreachedThreads++
		case StatusAtRisk:
			report.AtRiskThreads++
		}

		last, err := c.threads.LastMessageAt(ctx, threads[i].ID)
		if err != nil {
			return nil, domain.NewError("sla.report", domain.PersistenceFailure, "failed to load last message", err)
		}
		if last != nil {
			resolution = append(resolution, last.Sub(threads[i].CreatedAt).Hours())
		}
	}

	total := float64(report.TotalThreads)
	report.SLAComplianceRate = round2((total - float64(report.BreachedThreads)) / total * 100)
	if len(resolution) > 0 {
		var sum float64
		for _, h := range resolution {
			sum += h
		}
		report.AvgResolutionTime = round2(sum / float64(len(resolution)))
	}
	return report, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
