package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/weiawesome/incident-chat/chat-service/internal/audit"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/eventbus"
	"github.com/weiawesome/incident-chat/chat-service/internal/hub"
	"github.com/weiawesome/incident-chat/chat-service/internal/ledger"
	"github.com/weiawesome/incident-chat/chat-service/internal/metrics"
	"github.com/weiawesome/incident-chat/chat-service/internal/notify"
	"github.com/weiawesome/incident-chat/chat-service/internal/ratelimit"
	"github.com/weiawesome/incident-chat/chat-service/internal/receipt"
	"github.com/weiawesome/incident-chat/chat-service/internal/repository"
	"github.com/weiawesome/incident-chat/pkg/database"
	"github.com/weiawesome/incident-chat/pkg/log"
)

const (
	pushBodyLimit = 100
	stopTimeout   = 5 * time.Second
)

type Config struct {
	ChatTopic  string
	LaneBuffer int
}

type Deps struct {
	Hub      *hub.Hub
	Tokens   TokenValidator
	Users    repository.UserRepository
	Threads  repository.ThreadRepository
	Tenants  repository.TenantRepository
	Ledger   *ledger.Engine
	Receipts *receipt.Tracker
	Presence PresenceStore
	Notifier Notifier
	Limiter  *ratelimit.Pool
}

type chatService struct {
	Deps
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	lanes   map[string]*lanes // clientID -> lanes
	clients map[string]*hub.Client
}

func NewChatService(cfg Config, deps Deps) ChatService {
	if cfg.ChatTopic == "" {
		cfg.ChatTopic = "chat-events"
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewPool()
	}
	return &chatService{
		Deps:  deps,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		lanes:   make(map[string]*lanes),
		clients: make(map[string]*hub.Client),
	}
}

func (s *chatService) Authorize(ctx context.Context, c *hub.Client, token string, threadID uint) (*domain.Thread, error) {
	thread, err := s.authorize(ctx, c, token, threadID)
	if err != nil {
		code := domain.CloseCodeFor(err)
		_ = c.Session.Reject()
		metrics.ConnectionsRejected.WithLabelValues(strconv.Itoa(code)).Inc()

		var userID uint
		if u := c.Session.User(); u != nil {
			userID = u.ID
		}
		audit.LogWithDetail(ctx, audit.ActionRejected, userID, err.Error(),
			fmt.Sprintf("connection to thread %d rejected with %d", threadID, code))
		return nil, err
	}
	return thread, nil
}

func (s *chatService) authorize(ctx context.Context, c *hub.Client, token string, threadID uint) (*domain.Thread, error) {
	const op = "session.connect"

	claims, err := s.Tokens.ValidateAccessToken(token)
	if err != nil {
		return nil, domain.NewError(op, domain.AuthenticationFailure, "invalid credentials", err)
	}

	user, err := s.Users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.NewError(op, domain.AuthenticationFailure, "unknown user", err)
		}
		return nil, domain.NewError(op, domain.PersistenceFailure, "failed to load user", err)
	}
	if !user.IsActive {
		return nil, domain.NewError(op, domain.AuthenticationFailure, "user is inactive", nil)
	}
	if err := c.Session.Authenticate(user); err != nil {
		return nil, domain.NewError(op, domain.AuthenticationFailure, "session already authenticated", err)
	}

	thread, err := s.Threads.GetByID(ctx, threadID)
	if err != nil {
		if errors.Is(err, domain.ErrThreadNotFound) {
			return nil, domain.NewError(op, domain.ValidationFailure, "thread not found", err)
		}
		return nil, domain.NewError(op, domain.PersistenceFailure, "failed to load thread", err)
	}
	if !domain.CanAccessThread(user, thread) {
		return nil, domain.NewError(op, domain.AuthorizationFailure, "access denied", nil)
	}
	return thread, nil
}

func (s *chatService) Join(ctx context.Context, c *hub.Client, thread *domain.Thread) error {
	l := log.Ctx(ctx)

	if err := c.Session.Join(thread); err != nil {
		return domain.NewError("session.join", domain.AuthorizationFailure, "session is not authenticated", err)
	}
	user := c.Session.User()

	s.mu.Lock()
	s.lanes[c.ID] = newLanes(s.cfg.LaneBuffer)
	s.clients[c.ID] = c
	s.mu.Unlock()

	s.Hub.JoinThread(c, thread.ID)
	metrics.Connections.Inc()

	changed, err := s.Presence.Join(ctx, thread.ID, user.Username)
	if err != nil {
		l.Warn().Err(err).Msg("failed to mark user online")
	}
	if changed {
		if err := s.Hub.BroadcastToThread(thread.ID, domain.NewPresenceFrame(user.Username, true), ""); err != nil {
			l.Error().Err(err).Msg("failed to broadcast presence")
		}
	}

	online, err := s.Presence.ListOnline(ctx, thread.ID)
	if err != nil {
		l.Warn().Err(err).Msg("failed to list online users")
	}
	for _, name := range online {
		if name == user.Username {
			continue
		}
		if err := c.SendMessage(domain.NewPresenceFrame(name, true)); err != nil {
			l.Error().Err(err).Msg("failed to send presence snapshot")
		}
	}

	audit.Log(ctx, audit.ActionConnect, user.ID, fmt.Sprintf("%s joined %s", user.Username, thread.IncidentID))
	l.Info().Str(log.FieldClientID, c.ID).Str(log.FieldUsername, user.Username).Msg("client connected to thread")
	return nil
}

func (s *chatService) HandleFrame(ctx context.Context, c *hub.Client, raw []byte) {
	const op = "session.frame"

	var frame domain.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError(ctx, c, domain.Validation(op, "malformed frame"))
		return
	}
	if !c.Session.IsJoined() {
		s.sendError(ctx, c, domain.NewError(op, domain.AuthorizationFailure, "not joined to a thread", nil))
		return
	}

	switch frame.Type {
	case domain.FrameMessage:
		if !s.submit(c, func(ls *lanes) *lane { return ls.message }, func() { s.handleMessage(ctx, c, &frame) }) {
			s.sendError(ctx, c, domain.Validation(op, "too many pending messages"))
		}

	case domain.FrameTyping:
		thread, user := c.Session.Thread(), c.Session.User()
		if err := s.Hub.BroadcastToThread(thread.ID, domain.NewTypingFrame(user.Username), ""); err != nil {
			l := log.Ctx(ctx)
			l.Error().Err(err).Msg("failed to broadcast typing")
		}

	case domain.FrameRead:
		if frame.MessageID == 0 {
			return
		}
		if !s.submit(c, func(ls *lanes) *lane { return ls.receipt }, func() { s.handleRead(ctx, c, frame.MessageID) }) {
			l := log.Ctx(ctx)
			l.Warn().Uint(log.FieldMessageID, frame.MessageID).Msg("receipt lane full, dropping read")
		}

	case domain.FramePing:
		c.SendMessage(map[string]string{"type": domain.FramePong})

	default:
		s.sendError(ctx, c, domain.Validation(op, "unknown frame type '%s'", frame.Type))
	}
}

func (s *chatService) submit(c *hub.Client, pick func(*lanes) *lane, fn func()) bool {
	s.mu.Lock()
	ls, ok := s.lanes[c.ID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return pick(ls).submit(fn)
}

func (s *chatService) handleMessage(ctx context.Context, c *hub.Client, frame *domain.InboundFrame) {
	l := log.Ctx(ctx)
	user, thread := c.Session.User(), c.Session.Thread()

	cfg := s.tenantConfig(ctx, thread.TenantID)
	if !s.Limiter.Allow(user.ID, cfg.RateLimitMessagesPerMinute, s.now()) {
		s.sendError(ctx, c, domain.Validation("session.message", "rate limit exceeded"))
		return
	}

	content, structured, err := prepareMessage(thread, cfg, frame)
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}

	msg, err := s.Ledger.Append(ctx, ledger.AppendInput{
		ThreadID:   thread.ID,
		SenderID:   user.ID,
		Content:    content,
		Structured: structured,
		OnCommit: func(m *domain.Message) {
			if err := s.Hub.BroadcastToThread(thread.ID, domain.NewMessageFrame(m, user), ""); err != nil {
				l.Error().Err(err).Uint(log.FieldMessageID, m.ID).Msg("failed to broadcast message")
			}
		},
	})
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}

	if err := c.SendMessage(domain.NewConfirmationFrame(msg.ID)); err != nil {
		l.Error().Err(err).Uint(log.FieldMessageID, msg.ID).Msg("failed to send confirmation")
	}
	audit.Log(ctx, audit.ActionSendMessage, user.ID, fmt.Sprintf("message %d appended to %s", msg.ID, thread.IncidentID))

	s.notifyMessage(ctx, thread, cfg, user, msg)
}

// prepareMessage validates a message frame against the tenant settings and
// the thread's template. Empty content is rendered from the template.
func prepareMessage(thread *domain.Thread, cfg *domain.TenantConfig, frame *domain.InboundFrame) (string, database.JSON, error) {
	const op = "session.message"

	content := frame.Content
	structured := database.JSON(frame.Structured)

	// "structured": {} carries no answers and counts as absent.
	if !structured.IsEmpty() {
		if !cfg.EnableStructuredReplies || thread.Template == nil {
			return "", nil, domain.Validation(op, "structured replies are not enabled for this thread")
		}
		var answers map[string]interface{}
		if err := json.Unmarshal(structured, &answers); err != nil {
			return "", nil, domain.Validation(op, "structured answer must be a JSON object")
		}
		schema, err := thread.Template.ParseSchema()
		if err != nil {
			return "", nil, domain.NewError(op, domain.ValidationFailure, "thread template has an invalid schema", err)
		}
		if err := schema.ValidateAnswers(answers); err != nil {
			return "", nil, err
		}
		if content == "" {
			if content, err = thread.Template.Render(answers); err != nil {
				return "", nil, err
			}
		}
	} else {
		structured = nil
	}

	if content == "" {
		return "", nil, domain.Validation(op, "message content is empty")
	}
	if cfg.MaxMessageLength > 0 && utf8.RuneCountInString(content) > cfg.MaxMessageLength {
		return "", nil, domain.Validation(op, "message exceeds %d characters", cfg.MaxMessageLength)
	}
	return content, structured, nil
}

func (s *chatService) notifyMessage(ctx context.Context, thread *domain.Thread, cfg *domain.TenantConfig, sender *domain.User, msg *domain.Message) {
	l := log.Ctx(ctx)

	s.Notifier.PublishEvent(s.cfg.ChatTopic, map[string]interface{}{
		"type":       eventbus.EventMessageCreated,
		"message_id": msg.ID,
		"thread_id":  thread.ID,
		"tenant_id":  thread.TenantID,
		"sender_id":  sender.ID,
		"timestamp":  msg.CreatedAt.Format(time.RFC3339Nano),
	})

	if cfg.EnablePushNotifications {
		tokens, err := s.Users.DeviceTokens(ctx, repository.DeviceFilter{
			TenantID:      thread.TenantID,
			ExcludeUserID: sender.ID,
		})
		if err != nil {
			l.Warn().Err(err).Str("kind", domain.CollaboratorFailure.String()).Msg("failed to load push tokens")
		} else if len(tokens) > 0 {
			s.Notifier.SendPush(tokens, "New message in "+thread.IncidentID, notify.Truncate(msg.Content, pushBodyLimit))
		}
	}

	s.Notifier.UpdateTicketTimeline(thread.IncidentID, fmt.Sprintf("%s: %s", sender.Username, msg.Content))
}

func (s *chatService) handleRead(ctx context.Context, c *hub.Client, messageID uint) {
	l := log.Ctx(ctx)
	user, thread := c.Session.User(), c.Session.Thread()

	cfg := s.tenantConfig(ctx, thread.TenantID)
	if !cfg.EnableReadReceipts {
		return
	}

	res, err := s.Receipts.Record(ctx, thread.ID, messageID, user.ID)
	if err != nil {
		s.sendError(ctx, c, err)
		return
	}
	if !res.Recorded {
		l.Debug().Uint(log.FieldMessageID, messageID).Msg("read receipt skipped")
		return
	}

	metrics.ReadReceipts.Inc()
	if err := s.Hub.BroadcastToThread(thread.ID, domain.NewReadFrame(res.Receipt, user.Username, res.ReadCount), ""); err != nil {
		l.Error().Err(err).Uint(log.FieldMessageID, messageID).Msg("failed to broadcast read receipt")
	}
	audit.Log(ctx, audit.ActionReadReceipt, user.ID, fmt.Sprintf("message %d read", messageID))
}

func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) {
	l := log.Ctx(ctx)

	s.mu.Lock()
	ls, ok := s.lanes[c.ID]
	delete(s.lanes, c.ID)
	delete(s.clients, c.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	// Frames accepted before the disconnect still complete.
	ls.close()

	user, thread := c.Session.User(), c.Session.Thread()
	if err := c.Session.Close(); err != nil {
		l.Warn().Err(err).Str(log.FieldClientID, c.ID).Msg("unexpected session state on disconnect")
	}
	s.Hub.LeaveThread(c, thread.ID)
	metrics.Connections.Dec()
	audit.Log(ctx, audit.ActionDisconnect, user.ID, fmt.Sprintf("%s left %s", user.Username, thread.IncidentID))

	if s.Hub.UserConnected(thread.ID, user.ID, c.ID) {
		return
	}

	changed, err := s.Presence.Leave(ctx, thread.ID, user.Username)
	if err != nil {
		l.Warn().Err(err).Msg("failed to mark user offline")
	}
	if changed || err != nil {
		if err := s.Hub.BroadcastToThread(thread.ID, domain.NewPresenceFrame(user.Username, false), c.ID); err != nil {
			l.Error().Err(err).Msg("failed to broadcast presence")
		}
	}
	l.Info().Str(log.FieldClientID, c.ID).Str(log.FieldUsername, user.Username).Msg("client disconnected from thread")
}

// tenantConfig falls back to the defaults when the tenant has no settings
// row or the lookup fails.
func (s *chatService) tenantConfig(ctx context.Context, tenantID uint) *domain.TenantConfig {
	cfg, err := s.Tenants.GetConfig(ctx, tenantID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Uint(log.FieldTenantID, tenantID).Msg("failed to load tenant config, using defaults")
	}
	if cfg == nil {
		cfg = domain.DefaultTenantConfig(tenantID)
	}
	return cfg
}

func (s *chatService) sendError(ctx context.Context, c *hub.Client, err error) {
	kind := domain.KindOf(err)
	metrics.FrameErrors.WithLabelValues(kind.String()).Inc()

	l := log.Ctx(ctx)
	l.Debug().Err(err).Str(log.FieldClientID, c.ID).Msg("frame rejected")

	if sendErr := c.SendMessage(domain.NewErrorFrame(domain.DetailOf(err, "internal error"))); sendErr != nil {
		l.Error().Err(sendErr).Msg("failed to send error frame")
	}
}

func (s *chatService) Start(ctx context.Context) error {
	l := log.Ctx(ctx)
	l.Info().Str("chat_topic", s.cfg.ChatTopic).Msg("chat service started")
	return nil
}

// Stop disconnects every live session: queued frames finish and the user
// is marked offline, so it must run before the presence store is closed.
func (s *chatService) Stop() error {
	s.mu.Lock()
	live := make([]*hub.Client, 0, len(s.clients))
	for _, c := range s.clients {
		live = append(live, c)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for _, c := range live {
		s.HandleDisconnect(ctx, c)
	}
	return nil
}
