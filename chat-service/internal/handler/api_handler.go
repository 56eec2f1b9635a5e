package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/incident-chat/chat-service/internal/audit"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/ledger"
	"github.com/weiawesome/incident-chat/chat-service/internal/repository"
	"github.com/weiawesome/incident-chat/chat-service/internal/service"
	"github.com/weiawesome/incident-chat/chat-service/internal/sla"
	"github.com/weiawesome/incident-chat/pkg/log"
	"github.com/weiawesome/incident-chat/pkg/middleware"
	"github.com/weiawesome/incident-chat/pkg/response"
)

const (
	ctxUser   = "incident_user"
	ctxThread = "incident_thread"
)

type APIDeps struct {
	Users    repository.UserRepository
	Threads  repository.ThreadRepository
	Tenants  repository.TenantRepository
	Ledger   *ledger.Engine
	Audit    *audit.Writer
	Archiver *audit.Archiver
	Checker  *sla.Checker
	Presence service.PresenceStore
}

// APIHandler serves the REST surface: history, chain verification, audit
// export and SLA status. Every thread route passes CanAccessThread.
type APIHandler struct {
	APIDeps
	authMiddleware *middleware.AuthMiddleware
	now            func() time.Time
}

func NewAPIHandler(deps APIDeps, authMiddleware *middleware.AuthMiddleware) *APIHandler {
	return &APIHandler{
		APIDeps:        deps,
		authMiddleware: authMiddleware,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers all routes.
func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api/v1", h.authMiddleware.RequireAuth(), h.loadUser)
	{
		api.POST("/devices", h.RegisterDevice)
		api.GET("/tenants/:tenant_id/sla-report", h.TenantSLAReport)
		api.GET("/messages/:message_id/history", h.MessageHistory)

		threads := api.Group("/threads/:thread_id", h.loadThread)
		{
			threads.GET("/messages", h.ListMessages)
			threads.GET("/verify", h.VerifyChain)
			threads.GET("/audit", h.ExportAudit)
			threads.POST("/archives", h.ArchiveAudit)
			threads.GET("/archives", h.ListArchives)
			threads.GET("/sla", h.ThreadSLA)
			threads.GET("/presence", h.OnlineUsers)
		}
	}
}

func (h *APIHandler) loadUser(c *gin.Context) {
	user, err := h.Users.GetByID(c.Request.Context(), middleware.GetUserID(c))
	if err != nil || !user.IsActive {
		response.Unauthorized(c, "unknown or inactive user")
		c.Abort()
		return
	}
	c.Set(ctxUser, user)
	c.Next()
}

func (h *APIHandler) loadThread(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("thread_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid thread id")
		c.Abort()
		return
	}
	thread, err := h.Threads.GetByID(c.Request.Context(), uint(id))
	if err != nil {
		writeError(c, err, "failed to load thread")
		c.Abort()
		return
	}
	if !domain.CanAccessThread(currentUser(c), thread) {
		response.Forbidden(c, "access denied")
		c.Abort()
		return
	}
	c.Set(ctxThread, thread)
	c.Next()
}

func currentUser(c *gin.Context) *domain.User {
	if v, ok := c.Get(ctxUser); ok {
		if u, ok := v.(*domain.User); ok {
			return u
		}
	}
	return nil
}

func currentThread(c *gin.Context) *domain.Thread {
	if v, ok := c.Get(ctxThread); ok {
		if t, ok := v.(*domain.Thread); ok {
			return t
		}
	}
	return nil
}

// ListMessages returns the thread's messages in chain order.
func (h *APIHandler) ListMessages(c *gin.Context) {
	thread := currentThread(c)
	msgs, err := h.Ledger.List(c.Request.Context(), thread.ID)
	if err != nil {
		writeError(c, err, "failed to list messages")
		return
	}
	response.Success(c, msgs)
}

// VerifyChain walks the thread's hash chain. A broken chain answers 409
// with the report.
func (h *APIHandler) VerifyChain(c *gin.Context) {
	ctx := c.Request.Context()
	thread, user := currentThread(c), currentUser(c)

	report, err := h.Ledger.VerifyChain(ctx, thread.ID)
	if err != nil {
		writeError(c, err, "failed to verify chain")
		return
	}

	audit.Log(ctx, audit.ActionVerifyChain, user.ID, fmt.Sprintf("verified %s: valid=%t", thread.IncidentID, report.Valid))
	if integrityErr := report.Err(); integrityErr != nil {
		audit.LogWithDetail(ctx, audit.ActionChainBroken, user.ID, report.Reason, "chain broken on "+thread.IncidentID)
		c.JSON(http.StatusConflict, response.Response{
			Success: false,
			Data:    report,
			Error: &response.ErrorInfo{
				Code:    "INTEGRITY_VIOLATION",
				Message: domain.DetailOf(integrityErr, "chain broken"),
			},
		})
		return
	}
	response.Success(c, report)
}

// ExportAudit downloads the thread's audit log as json or csv.
func (h *APIHandler) ExportAudit(c *gin.Context) {
	ctx := c.Request.Context()
	thread, user := currentThread(c), currentUser(c)

	body, format, err := h.Audit.Export(ctx, thread.ID, c.DefaultQuery("format", "json"))
	if err != nil {
		writeError(c, err, "failed to export audit log")
		return
	}
	audit.LogWithDetail(ctx, audit.ActionExport, user.ID, string(format), "audit export of "+thread.IncidentID)
	response.Raw(c, format.ContentType(), fmt.Sprintf("thread-%d-audit.%s", thread.ID, format), body)
}

// ArchiveAudit stores an export in object storage.
func (h *APIHandler) ArchiveAudit(c *gin.Context) {
	ctx := c.Request.Context()
	thread, user := currentThread(c), currentUser(c)

	key, err := h.Archiver.Archive(ctx, thread.ID, c.DefaultQuery("format", "json"))
	if err != nil {
		writeError(c, err, "failed to archive audit log")
		return
	}
	audit.LogWithDetail(ctx, audit.ActionArchive, user.ID, key, "audit archive of "+thread.IncidentID)
	response.Created(c, gin.H{"key": key})
}

func (h *APIHandler) ListArchives(c *gin.Context) {
	files, err := h.Archiver.List(c.Request.Context(), currentThread(c).ID)
	if err != nil {
		writeError(c, err, "failed to list archives")
		return
	}
	response.Success(c, files)
}

// MessageHistory returns every audit version of one message.
func (h *APIHandler) MessageHistory(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := strconv.ParseUint(c.Param("message_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid message id")
		return
	}
	msg, err := h.Ledger.Get(ctx, uint(id))
	if err != nil {
		writeError(c, err, "failed to load message")
		return
	}
	thread, err := h.Threads.GetByID(ctx, msg.ThreadID)
	if err != nil {
		writeError(c, err, "failed to load thread")
		return
	}
	if !domain.CanAccessThread(currentUser(c), thread) {
		response.Forbidden(c, "access denied")
		return
	}

	entries, err := h.Audit.History(ctx, msg.ID)
	if err != nil {
		writeError(c, err, "failed to load history")
		return
	}
	response.Success(c, entries)
}

// ThreadSLA returns the thread's current SLA status.
func (h *APIHandler) ThreadSLA(c *gin.Context) {
	ctx := c.Request.Context()
	thread := currentThread(c)

	cfg, err := h.Tenants.GetConfig(ctx, thread.TenantID)
	if err != nil {
		writeError(c, err, "failed to load tenant config")
		return
	}
	response.Success(c, h.Checker.Evaluator().Status(thread, cfg, h.now()))
}

// TenantSLAReport summarizes SLA compliance over the last ?days (default 30).
func (h *APIHandler) TenantSLAReport(c *gin.Context) {
	ctx := c.Request.Context()

	tenantID, err := strconv.ParseUint(c.Param("tenant_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid tenant id")
		return
	}
	if !domain.CanAccessTenant(currentUser(c), uint(tenantID)) {
		response.Forbidden(c, "access denied")
		return
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 {
		response.BadRequest(c, "days must be a positive integer")
		return
	}

	report, err := h.Checker.TenantReport(ctx, uint(tenantID), days)
	if err != nil {
		writeError(c, err, "failed to build SLA report")
		return
	}
	response.Success(c, report)
}

// OnlineUsers lists the users currently online in the thread.
func (h *APIHandler) OnlineUsers(c *gin.Context) {
	online, err := h.Presence.ListOnline(c.Request.Context(), currentThread(c).ID)
	if err != nil {
		writeError(c, err, "failed to list presence")
		return
	}
	response.Success(c, gin.H{"online": online})
}

type registerDeviceRequest struct {
	Token string `json:"token" binding:"required"`
}

// RegisterDevice stores a push token for the caller.
func (h *APIHandler) RegisterDevice(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind register device request")
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.Users.AddDevice(ctx, currentUser(c).ID, req.Token); err != nil {
		writeError(c, err, "failed to register device")
		return
	}
	response.Created(c, gin.H{"token": req.Token})
}

// writeError maps a classified error to a response. Unclassified errors are
// logged and answered with fallback.
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrThreadNotFound), errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrTenantNotFound), errors.Is(err, domain.ErrUserNotFound):
		response.NotFound(c, domain.DetailOf(err, err.Error()))
		return
	}

	switch domain.KindOf(err) {
	case domain.AuthenticationFailure:
		response.Unauthorized(c, domain.DetailOf(err, fallback))
	case domain.AuthorizationFailure:
		response.Forbidden(c, domain.DetailOf(err, fallback))
	case domain.ValidationFailure:
		response.BadRequest(c, domain.DetailOf(err, fallback))
	case domain.IntegrityViolation:
		response.Conflict(c, domain.DetailOf(err, fallback))
	case domain.CollaboratorFailure:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg(fallback)
		response.BadGateway(c, domain.DetailOf(err, fallback))
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg(fallback)
		response.InternalError(c, fallback)
	}
}
