package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/incident-chat/chat-service/internal/config"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/hub"
	"github.com/weiawesome/incident-chat/chat-service/internal/service"
	"github.com/weiawesome/incident-chat/pkg/log"
	"github.com/weiawesome/incident-chat/pkg/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub     *hub.Hub
	service service.ChatService
	wsCfg   config.WebSocketConfig
}

func NewWSHandler(h *hub.Hub, svc service.ChatService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		wsCfg:   wsCfg,
	}
}

// HandleWebSocket upgrades the request, then authorizes the session before
// it joins any group. A rejected session gets a close frame carrying the
// close code of the failure.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID, err := strconv.ParseUint(mux.Vars(r)["thread_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid thread id", http.StatusBadRequest)
		return
	}
	// A missing token fails validation like a bad one.
	token, _ := middleware.BearerToken(r.Header.Get(middleware.AuthHeaderKey), r.URL.Query().Get(middleware.TokenQueryKey))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := log.Ctx(r.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)
	logger := log.Ctx(r.Context()).With().
		Str(log.FieldClientID, client.ID).
		Uint64(log.FieldThreadID, threadID).
		Logger()
	ctx := log.WithLogger(context.Background(), logger)

	thread, err := h.service.Authorize(ctx, client, token, uint(threadID))
	if err != nil {
		h.reject(ctx, conn, err)
		return
	}

	h.hub.Register(client)
	go client.WritePump()

	if err := h.service.Join(ctx, client, thread); err != nil {
		logger.Error().Err(err).Msg("failed to join thread")
		h.hub.Unregister(client)
		return
	}

	go func() {
		defer h.service.HandleDisconnect(ctx, client)
		client.ReadPump(func(c *hub.Client, data []byte) {
			h.service.HandleFrame(ctx, c, data)
		})
	}()
}

func (h *WSHandler) reject(ctx context.Context, conn *websocket.Conn, err error) {
	code := domain.CloseCodeFor(err)
	l := log.Ctx(ctx)
	l.Warn().Err(err).Int("close_code", code).Msg("websocket session rejected")

	wait := h.wsCfg.WriteWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	msg := websocket.FormatCloseMessage(code, domain.DetailOf(err, "rejected"))
	if werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait)); werr != nil {
		l.Debug().Err(werr).Msg("failed to write close frame")
	}
	conn.Close()
}

func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/threads/{thread_id:[0-9]+}", h.HandleWebSocket)
}
