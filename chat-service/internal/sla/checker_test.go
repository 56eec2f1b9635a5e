package sla

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/weiawesome/incident-chat/chat-service/internal/audit"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/eventbus"
	"github.com/weiawesome/incident-chat/chat-service/internal/ledger"
	"github.com/weiawesome/incident-chat/chat-service/internal/repository"
	"github.com/weiawesome/incident-chat/chat-service/internal/testutil"
)

type push struct {
	tokens      []string
	title, body string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []eventbus.Published
	pushes []push
}

func (n *recordingNotifier) PublishEvent(topic string, payload map[string]interface{}) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventbus.Published{Topic: topic, Payload: payload})
	return true
}

func (n *recordingNotifier) SendPush(tokens []string, title, body string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, push{tokens, title, body})
	return true
}

type sentFrame struct {
	threadID uint
	frame    *domain.MessageFrame
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (b *recordingBroadcaster) BroadcastToThread(threadID uint, message interface{}, exclude string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentFrame{threadID, message.(*domain.MessageFrame)})
	return nil
}

type harness struct {
	db       *gorm.DB
	f        *testutil.Fixture
	ledger   *ledger.Engine
	notifier *recordingNotifier
	checker  *Checker
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	f := testutil.Seed(t, db)
	engine := ledger.NewEngine(db, nil, audit.NewWriter(db, nil))
	h := &harness{
		db:       db,
		f:        f,
		ledger:   engine,
		notifier: &recordingNotifier{},
		now:      time.Now().UTC().Truncate(time.Second),
	}
	h.checker = NewChecker(
		CheckerConfig{FallbackHours: 24, Topic: "sla-events"},
		repository.NewGormThreadRepository(db),
		repository.NewGormTenantRepository(db),
		repository.NewGormUserRepository(db),
		engine,
		h.notifier,
	).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) age(t *testing.T, thread *domain.Thread, d time.Duration) {
	t.Helper()
	thread.CreatedAt = h.now.Add(-d)
	require.NoError(t, h.db.Model(&domain.Thread{}).Where("id = ?", thread.ID).Update("created_at", thread.CreatedAt).Error)
}

func TestCheckAllViolationsBreach(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.age(t, h.f.Thread, 11*time.Hour) // tenant 1 SLA is 10h
	h.age(t, h.f.Other, time.Hour)     // tenant 2 falls back to 24h

	report, err := h.checker.CheckAllViolations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Violations, 1)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, h.f.Thread.ID, report.Violations[0].Thread.ID)
	assert.InDelta(t, 1.0, report.Violations[0].Result.HoursOverdue, 1e-6)

	msgs, err := h.ledger.List(ctx, h.f.Thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "SLA BREACH: Thread INC-1 exceeded SLA by 1.0 hours", msgs[0].Content)
	assert.Equal(t, h.f.Staff.ID, msgs[0].SenderID)

	require.Len(t, h.notifier.events, 1)
	ev := h.notifier.events[0]
	assert.Equal(t, "sla-events", ev.Topic)
	assert.Equal(t, eventbus.EventSLABreach, ev.Payload["type"])
	assert.Equal(t, h.f.Thread.ID, ev.Payload["thread_id"])
	assert.Equal(t, h.f.Tenant1.ID, ev.Payload["tenant_id"])
	assert.Equal(t, "INC-1", ev.Payload["incident_id"])
	assert.Equal(t, "critical", ev.Payload["escalation_level"])
	assert.Contains(t, ev.Payload, "hours_overdue")
	assert.Contains(t, ev.Payload, "deadline")
}

func TestSystemMessageReachesLiveConnections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := &recordingBroadcaster{}
	h.checker.WithBroadcaster(b)
	h.age(t, h.f.Thread, 11*time.Hour)

	_, err := h.checker.CheckAllViolations(ctx)
	require.NoError(t, err)

	msgs, err := h.ledger.List(ctx, h.f.Thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.Len(t, b.sent, 1)
	assert.Equal(t, h.f.Thread.ID, b.sent[0].threadID)
	assert.Equal(t, domain.FrameMessage, b.sent[0].frame.Type)
	assert.Equal(t, msgs[0].ID, b.sent[0].frame.ID)
	assert.Equal(t, msgs[0].Content, b.sent[0].frame.Content)
	assert.Equal(t, h.f.Staff.Username, b.sent[0].frame.Sender)
}

func TestWarningUsesIndependentThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// At risk with 1.5h left; tenant 1 only warns inside the final hour.
	require.NoError(t, h.db.Model(&domain.TenantConfig{}).Where("tenant_id = ?", h.f.Tenant1.ID).
		Update("escalation_warning_hours", 1).Error)
	h.age(t, h.f.Thread, 8*time.Hour+30*time.Minute)

	// Tenant 2 has no config: 24h fallback, default 2h warning window.
	h.age(t, h.f.Other, 23*time.Hour)
	t2Staff := &domain.User{Username: "t2staff", TenantID: &h.f.Tenant2.ID, IsStaff: true, IsActive: true}
	require.NoError(t, h.db.Create(t2Staff).Error)
	require.NoError(t, h.db.Create(&domain.Device{UserID: t2Staff.ID, Token: "tok-staff"}).Error)
	require.NoError(t, h.db.Create(&domain.Device{UserID: h.f.Carol.ID, Token: "tok-carol"}).Error)

	report, err := h.checker.CheckAllViolations(ctx)
	require.NoError(t, err)
	require.Len(t, report.Warnings, 2)
	assert.False(t, report.Warnings[0].Escalated)
	assert.True(t, report.Warnings[1].Escalated)

	msgs, err := h.ledger.List(ctx, h.f.Thread.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = h.ledger.List(ctx, h.f.Other.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0].Content, "SLA WARNING: Thread INC-2 approaching SLA deadline in 1.0 hours"))

	require.Len(t, h.notifier.pushes, 1)
	assert.Equal(t, []string{"tok-staff"}, h.notifier.pushes[0].tokens)
	assert.Equal(t, "SLA Warning", h.notifier.pushes[0].title)
	assert.Equal(t, "Thread INC-2 approaching deadline", h.notifier.pushes[0].body)

	require.Len(t, h.notifier.events, 1)
	assert.Equal(t, eventbus.EventSLAWarning, h.notifier.events[0].Payload["type"])
	assert.Equal(t, "warning", h.notifier.events[0].Payload["escalation_level"])
	assert.InDelta(t, 1.0, h.notifier.events[0].Payload["hours_remaining"], 1e-6)
}

func TestAutoEscalationDisabled(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Model(&domain.TenantConfig{}).Where("tenant_id = ?", h.f.Tenant1.ID).
		Update("enable_auto_escalation", false).Error)
	h.age(t, h.f.Thread, 9*time.Hour+30*time.Minute)

	report, err := h.checker.CheckAllViolations(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	assert.False(t, report.Warnings[0].Escalated)
	assert.Empty(t, h.notifier.events)
}

func TestBreachWithoutStaffStillEmitsEvent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Model(&domain.User{}).Where("id = ?", h.f.Staff.ID).Update("is_staff", false).Error)
	h.age(t, h.f.Thread, 48*time.Hour)

	report, err := h.checker.CheckAllViolations(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Violations, 1)

	msgs, err := h.ledger.List(context.Background(), h.f.Thread.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Len(t, h.notifier.events, 1)
}

func TestTenantReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.age(t, h.f.Thread, 12*time.Hour) // breached
	fresh := &domain.Thread{TenantID: h.f.Tenant1.ID, IncidentID: "INC-3", CreatedAt: h.now.Add(-time.Hour)}
	require.NoError(t, h.db.Create(fresh).Error)
	old := &domain.Thread{TenantID: h.f.Tenant1.ID, IncidentID: "INC-OLD", CreatedAt: h.now.AddDate(0, 0, -60)}
	require.NoError(t, h.db.Create(old).Error)

	require.NoError(t, h.db.Create(&domain.MessageModel{
		ThreadID: h.f.Thread.ID, SenderID: h.f.Alice.ID, Content: "x", Seq: 1, Hash: "h",
		CreatedAt: h.f.Thread.CreatedAt.Add(2 * time.Hour),
	}).Error)

	report, err := h.checker.TenantReport(ctx, h.f.Tenant1.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalThreads)
	assert.Equal(t, 1, report.BreachedThreads)
	assert.Equal(t, 0, report.AtRiskThreads)
	assert.Equal(t, 50.0, report.SLAComplianceRate)
	assert.Equal(t, 2.0, report.AvgResolutionTime)
	assert.Equal(t, 30, report.PeriodDays)

	empty, err := h.checker.TenantReport(ctx, 999, 7)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalThreads)
	assert.Equal(t, 100.0, empty.SLAComplianceRate)
}

func TestScanner(t *testing.T) {
	h := newHarness(t)
	h.age(t, h.f.Thread, 11*time.Hour)

	_, err := NewScanner(h.checker, time.Minute, "not a cron")
	require.Error(t, err)

	s, err := NewScanner(h.checker, 20*time.Millisecond, "")
	require.NoError(t, err)
	s.Start(context.Background())

	assert.Eventually(t, func() bool {
		h.notifier.mu.Lock()
		defer h.notifier.mu.Unlock()
		return len(h.notifier.events) > 0
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop")
	}
}

func TestScannerCronWait(t *testing.T) {
	s, err := NewScanner(nil, time.Minute, "*/5 * * * *")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Minute, s.nextWait(now))

	s, err = NewScanner(nil, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, s.nextWait(now))
}
