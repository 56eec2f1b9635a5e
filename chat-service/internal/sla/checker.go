package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/weiawesome/incident-chat/chat-service/internal/audit"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/eventbus"
	"github.com/weiawesome/incident-chat/chat-service/internal/ledger"
	"github.com/weiawesome/incident-chat/chat-service/internal/metrics"
	"github.com/weiawesome/incident-chat/chat-service/internal/repository"
	"github.com/weiawesome/incident-chat/pkg/log"
)

// Appender adds system messages to a thread's chain.
type Appender interface {
	Append(ctx context.Context, in ledger.AppendInput) (*domain.Message, error)
}

// Notifier hands escalations to the fire-and-forget collaborators.
type Notifier interface {
	PublishEvent(topic string, payload map[string]interface{}) bool
	SendPush(tokens []string, title, body string) bool
}

// Broadcaster pushes a committed system message to live connections.
type Broadcaster interface {
	BroadcastToThread(threadID uint, message interface{}, exclude string) error
}

// Finding is one breached or at-risk thread seen by a check.
type Finding struct {
	Thread domain.Thread `json:"thread"`
	Result Result        `json:"result"`
	// Escalated is true when the side effects for this finding were triggered.
	Escalated bool `json:"escalated"`
}

// Report summarizes one CheckAllViolations pass.
type Report struct {
	Violations []Finding `json:"violations"`
	Warnings   []Finding `json:"warnings"`
	Checked    int       `json:"total_threads_checked"`
}

type Checker struct {
	evaluator Evaluator
	threads   repository.ThreadRepository
	tenants   repository.TenantRepository
	users     repository.UserRepository
	ledger    Appender
	notifier  Notifier
	broadcast Broadcaster
	topic     string
	now       func() time.Time
}

type CheckerConfig struct {
	FallbackHours int
	Topic         string
}

func NewChecker(
	cfg CheckerConfig,
	threads repository.ThreadRepository,
	tenants repository.TenantRepository,
	users repository.UserRepository,
	appender Appender,
	notifier Notifier,
) *Checker {
	if cfg.Topic == "" {
		cfg.Topic = "sla-events"
	}
	return &Checker{
		evaluator: Evaluator{FallbackHours: cfg.FallbackHours},
		threads:   threads,
		tenants:   tenants,
		users:     users,
		ledger:    appender,
		notifier:  notifier,
		topic:     cfg.Topic,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the checker's clock.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// WithBroadcaster sends SLA system messages to the thread's live
// connections once they commit.
func (c *Checker) WithBroadcaster(b Broadcaster) *Checker {
	c.broadcast = b
	return c
}

func (c *Checker) Evaluator() Evaluator {
	return c.evaluator
}

// CheckAllViolations evaluates every thread once and triggers the breach or
// warning side effects for each. Side-effect failures are logged and do not
// stop the pass.
func (c *Checker) CheckAllViolations(ctx context.Context) (*Report, error) {
	threads, err := c.threads.ListAll(ctx)
	if err != nil {
		return nil, domain.NewError("sla.check", domain.PersistenceFailure, "failed to list threads", err)
	}
	return c.Check(ctx, threads), nil
}

// Check runs the same pass over the given threads.
func (c *Checker) Check(ctx context.Context, threads []domain.Thread) *Report {
	l := log.Ctx(ctx)
	now := c.now()
	report := &Report{Checked: len(threads)}
	configs := make(map[uint]*domain.TenantConfig)

	var staff *domain.User
	staffLoaded := false
	systemUser := func() *domain.User {
		if !staffLoaded {
			staffLoaded = true
			u, err := c.users.FirstStaff(ctx)
			if err != nil {
				l.Warn().Err(err).Msg("no staff user for SLA system messages")
			}
			staff = u
		}
		return staff
	}

	for i := range threads {
		thread := threads[i]
		cfg, err := c.tenantConfig(ctx, configs, thread.TenantID)
		if err != nil {
			l.Error().Err(err).Uint(log.FieldTenantID, thread.TenantID).Msg("failed to load tenant config, skipping thread")
			continue
		}

		result := c.evaluator.Status(&thread, cfg, now)
		switch result.Status {
		case StatusBreached:
			c.handleBreach(ctx, &thread, cfg, result, systemUser())
			report.Violations = append(report.Violations, Finding{Thread: thread, Result: result, Escalated: true})
			metrics.SLAFindings.WithLabelValues(string(StatusBreached)).Inc()
		case StatusAtRisk:
			escalated := c.handleWarning(ctx, &thread, cfg, result, systemUser)
			report.Warnings = append(report.Warnings, Finding{Thread: thread, Result: result, Escalated: escalated})
			metrics.SLAFindings.WithLabelValues(string(StatusAtRisk)).Inc()
		}
	}

	l.Info().Int("violations", len(report.Violations)).Int("warnings", len(report.Warnings)).
		Int("checked", report.Checked).Msg("SLA check completed")
	return report
}

func (c *Checker) tenantConfig(ctx context.Context, cache map[uint]*domain.TenantConfig, tenantID uint) (*domain.TenantConfig, error) {
	if cfg, ok := cache[tenantID]; ok {
		return cfg, nil
	}
	cfg, err := c.tenants.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cache[tenantID] = cfg
	return cfg, nil
}

// escalation settings for tenants without a configuration row.
func escalationSettings(cfg *domain.TenantConfig, tenantID uint) *domain.TenantConfig {
	if cfg != nil {
		return cfg
	}
	return domain.DefaultTenantConfig(tenantID)
}

func (c *Checker) handleBreach(ctx context.Context, thread *domain.Thread, cfg *domain.TenantConfig, r Result, staff *domain.User) {
	l := log.Ctx(ctx)
	settings := escalationSettings(cfg, thread.TenantID)

	text := fmt.Sprintf("SLA BREACH: Thread %s exceeded SLA by %.1f hours", thread.IncidentID, r.HoursOverdue)
	c.postSystemMessage(ctx, thread, staff, text)

	if settings.EscalationEmail != "" {
		l.Info().Str("email", settings.EscalationEmail).Str("incident_id", thread.IncidentID).
			Msg("escalation email would be sent")
		audit.LogWithDetail(ctx, audit.ActionEscalateMail, 0, settings.EscalationEmail, "escalation email for "+thread.IncidentID)
	}

	c.notifier.PublishEvent(c.topic, map[string]interface{}{
		"type":             eventbus.EventSLABreach,
		"thread_id":        thread.ID,
		"tenant_id":        thread.TenantID,
		"incident_id":      thread.IncidentID,
		"hours_overdue":    r.HoursOverdue,
		"deadline":         r.Deadline.Format(time.RFC3339),
		"escalation_level": "critical",
	})

	audit.Log(ctx, audit.ActionSLABreach, 0, "SLA breach on "+thread.IncidentID)
	l.Warn().Uint(log.FieldThreadID, thread.ID).Str("incident_id", thread.IncidentID).Msg("SLA breach handled")
}

// handleWarning escalates an at-risk thread only when auto escalation is on
// and the deadline is within the tenant's warning window.
func (c *Checker) handleWarning(ctx context.Context, thread *domain.Thread, cfg *domain.TenantConfig, r Result, staff func() *domain.User) bool {
	l := log.Ctx(ctx)
	settings := escalationSettings(cfg, thread.TenantID)

	if !settings.EnableAutoEscalation || r.HoursRemaining > float64(settings.EscalationWarningHours) {
		return false
	}

	text := fmt.Sprintf("SLA WARNING: Thread %s approaching SLA deadline in %.1f hours", thread.IncidentID, r.HoursRemaining)
	c.postSystemMessage(ctx, thread, staff(), text)

	tokens, err := c.users.DeviceTokens(ctx, repository.DeviceFilter{TenantID: thread.TenantID, StaffOnly: true})
	if err != nil {
		l.Error().Err(err).Uint(log.FieldTenantID, thread.TenantID).Msg("failed to load staff devices")
	} else if len(tokens) > 0 {
		c.notifier.SendPush(tokens, "SLA Warning", fmt.Sprintf("Thread %s approaching deadline", thread.IncidentID))
	}

	c.notifier.PublishEvent(c.topic, map[string]interface{}{
		"type":             eventbus.EventSLAWarning,
		"thread_id":        thread.ID,
		"tenant_id":        thread.TenantID,
		"incident_id":      thread.IncidentID,
		"hours_remaining":  r.HoursRemaining,
		"deadline":         r.Deadline.Format(time.RFC3339),
		"escalation_level": "warning",
	})

	audit.Log(ctx, audit.ActionSLAWarning, 0, "SLA warning on "+thread.IncidentID)
	l.Info().Uint(log.FieldThreadID, thread.ID).Str("incident_id", thread.IncidentID).Msg("SLA warning sent")
	return true
}

func (c *Checker) postSystemMessage(ctx context.Context, thread *domain.Thread, staff *domain.User, text string) {
	if staff == nil {
		return
	}
	l := log.Ctx(ctx)
	in := ledger.AppendInput{ThreadID: thread.ID, SenderID: staff.ID, Content: text}
	if c.broadcast != nil {
		in.OnCommit = func(m *domain.Message) {
			if err := c.broadcast.BroadcastToThread(thread.ID, domain.NewMessageFrame(m, staff), ""); err != nil {
				l.Warn().Err(err).Uint(log.FieldThreadID, thread.ID).Msg("failed to broadcast SLA system message")
			}
		}
	}
	if _, err := c.ledger.Append(ctx, in); err != nil {
		l.Error().Err(err).Uint(log.FieldThreadID, thread.ID).Msg("failed to post SLA system message")
	}
}
