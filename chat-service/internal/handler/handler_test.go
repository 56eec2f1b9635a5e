package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/weiawesome/incident-chat/chat-service/internal/audit"
	"github.com/weiawesome/incident-chat/chat-service/internal/config"
	"github.com/weiawesome/incident-chat/chat-service/internal/crypto"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/eventbus"
	"github.com/weiawesome/incident-chat/chat-service/internal/hub"
	"github.com/weiawesome/incident-chat/chat-service/internal/ledger"
	"github.com/weiawesome/incident-chat/chat-service/internal/notify"
	"github.com/weiawesome/incident-chat/chat-service/internal/presence"
	"github.com/weiawesome/incident-chat/chat-service/internal/receipt"
	"github.com/weiawesome/incident-chat/chat-service/internal/repository"
	"github.com/weiawesome/incident-chat/chat-service/internal/service"
	"github.com/weiawesome/incident-chat/chat-service/internal/sla"
	"github.com/weiawesome/incident-chat/chat-service/internal/testutil"
	"github.com/weiawesome/incident-chat/pkg/jwt"
	"github.com/weiawesome/incident-chat/pkg/middleware"
	"github.com/weiawesome/incident-chat/pkg/storage"
)

type stack struct {
	db     *gorm.DB
	fx     *testutil.Fixture
	tokens *jwt.Manager
	ledger *ledger.Engine
	ws     *httptest.Server
	api    *gin.Engine
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	fx := testutil.Seed(t, db)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tokens, err := jwt.NewManager(time.Hour, time.Hour, "test")
	require.NoError(t, err)

	users := repository.NewGormUserRepository(db)
	threads := repository.NewGormThreadRepository(db)
	tenants := repository.NewGormTenantRepository(db)
	writer := audit.NewWriter(db, crypto.NopCipher{})
	engine := ledger.NewEngine(db, crypto.NopCipher{}, writer)
	tracker := presence.NewTracker(rdb, "", nil, "test")

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{Workers: 1}, eventbus.Nop{}, nil, nil)
	dispatcher.Start()

	wsCfg := config.WebSocketConfig{
		PingInterval: time.Minute,
		PongWait:     2 * time.Minute,
		WriteWait:    5 * time.Second,
		SendBuffer:   256,
		LaneBuffer:   64,
	}
	h := hub.NewHub(wsCfg)
	go h.Run()

	svc := service.NewChatService(service.Config{LaneBuffer: wsCfg.LaneBuffer}, service.Deps{
		Hub:      h,
		Tokens:   tokens,
		Users:    users,
		Threads:  threads,
		Tenants:  tenants,
		Ledger:   engine,
		Receipts: receipt.NewTracker(db),
		Presence: tracker,
		Notifier: dispatcher,
	})

	router := mux.NewRouter()
	NewWSHandler(h, svc, wsCfg).RegisterRoutes(router)
	ws := httptest.NewServer(router)

	store, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	checker := sla.NewChecker(sla.CheckerConfig{FallbackHours: 24}, threads, tenants, users, engine, dispatcher)

	api := gin.New()
	NewAPIHandler(APIDeps{
		Users:    users,
		Threads:  threads,
		Tenants:  tenants,
		Ledger:   engine,
		Audit:    writer,
		Archiver: audit.NewArchiver(writer, store),
		Checker:  checker,
		Presence: tracker,
	}, middleware.NewAuthMiddleware(tokens)).RegisterRoutes(api)

	t.Cleanup(func() {
		ws.Close()
		svc.Stop()
		dispatcher.Stop()
		h.Stop()
	})

	return &stack{db: db, fx: fx, tokens: tokens, ledger: engine, ws: ws, api: api}
}

func (s *stack) token(t *testing.T, u *domain.User) string {
	t.Helper()
	tok, err := s.tokens.GenerateAccessToken(jwt.Identity{UserID: u.ID, Username: u.Username, TenantID: u.TenantID}, 0)
	require.NoError(t, err)
	return tok
}

func (s *stack) dial(t *testing.T, threadID uint, token string) (*websocket.Conn, error) {
	t.Helper()
	url := fmt.Sprintf("ws%s/ws/threads/%d", strings.TrimPrefix(s.ws.URL, "http"), threadID)
	header := http.Header{}
	if token != "" {
		header.Set(middleware.AuthHeaderKey, middleware.BearerPrefix+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, err
}

func (s *stack) join(t *testing.T, u *domain.User, thread *domain.Thread) *websocket.Conn {
	t.Helper()
	conn, err := s.dial(t, thread.ID, s.token(t, u))
	require.NoError(t, err)
	// The joining user's own online broadcast proves the join completed.
	waitPresence(t, conn, u.Username, true)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, want string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &f))
		if f["type"] == want {
			return f
		}
	}
}

func waitPresence(t *testing.T, conn *websocket.Conn, user string, online bool) {
	t.Helper()
	for {
		f := readFrame(t, conn, domain.FramePresence)
		if f["user"] == user && f["online"] == online {
			return
		}
	}
}

func TestWebSocket_EndToEnd(t *testing.T) {
	s := newStack(t)
	alice := s.join(t, s.fx.Alice, s.fx.Thread)
	bob := s.join(t, s.fx.Bob, s.fx.Thread)

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "message", "content": "hello"}))

	confirmation := readFrame(t, alice, domain.FrameConfirmation)
	assert.Equal(t, "saved", confirmation["status"])
	messageID := confirmation["message_id"]
	require.NotNil(t, messageID)

	msg := readFrame(t, bob, domain.FrameMessage)
	assert.Equal(t, "hello", msg["content"])
	assert.Equal(t, "alice", msg["sender"])
	assert.Equal(t, messageID, msg["id"])

	require.NoError(t, bob.WriteJSON(map[string]interface{}{"type": "read", "message_id": messageID}))

	read := readFrame(t, alice, domain.FrameRead)
	assert.Equal(t, messageID, read["message_id"])
	assert.Equal(t, "bob", read["user"])
	assert.EqualValues(t, 1, read["read_count"])
}

func TestWebSocket_RejectsWithCloseCode(t *testing.T) {
	s := newStack(t)

	tests := []struct {
		name     string
		threadID uint
		token    string
		code     int
	}{
		{"no credential", s.fx.Thread.ID, "", domain.CloseAuthenticationFailed},
		{"bad credential", s.fx.Thread.ID, "garbage", domain.CloseAuthenticationFailed},
		{"unknown thread", 9999, s.token(t, s.fx.Alice), domain.CloseThreadNotFound},
		{"other tenant", s.fx.Thread.ID, s.token(t, s.fx.Carol), domain.CloseForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := s.dial(t, tt.threadID, tt.token)
			require.NoError(t, err)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

			_, _, err = conn.ReadMessage()
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
			assert.Equal(t, tt.code, closeErr.Code)
		})
	}
}

func TestWebSocket_StaffJoinsAnyTenant(t *testing.T) {
	s := newStack(t)
	s.join(t, s.fx.Staff, s.fx.Other)
}

func TestWebSocket_AbnormalDisconnectBroadcastsOffline(t *testing.T) {
	s := newStack(t)
	alice := s.join(t, s.fx.Alice, s.fx.Thread)
	bob := s.join(t, s.fx.Bob, s.fx.Thread)
	waitPresence(t, alice, "bob", true)

	// Drop the TCP connection without a close handshake.
	require.NoError(t, bob.UnderlyingConn().Close())

	waitPresence(t, alice, "bob", false)
}

func TestWebSocket_ValidationErrorKeepsSession(t *testing.T) {
	s := newStack(t)
	alice := s.join(t, s.fx.Alice, s.fx.Thread)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{oops")))
	assert.Equal(t, "malformed frame", readFrame(t, alice, domain.FrameError)["detail"])

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "message", "content": "still here"}))
	readFrame(t, alice, domain.FrameConfirmation)
}

func (s *stack) do(t *testing.T, method, path string, u *domain.User) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if u != nil {
		req.Header.Set(middleware.AuthHeaderKey, middleware.BearerPrefix+s.token(t, u))
	}
	rec := httptest.NewRecorder()
	s.api.ServeHTTP(rec, req)
	return rec
}

func (s *stack) seedMessages(t *testing.T, n int) []*domain.Message {
	t.Helper()
	var out []*domain.Message
	for i := 0; i < n; i++ {
		msg, err := s.ledger.Append(context.Background(), ledger.AppendInput{
			ThreadID: s.fx.Thread.ID,
			SenderID: s.fx.Alice.ID,
			Content:  fmt.Sprintf("update %d", i),
		})
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestAPI_RequiresAuthAndTenant(t *testing.T) {
	s := newStack(t)
	path := fmt.Sprintf("/api/v1/threads/%d/messages", s.fx.Thread.ID)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, path, s.fx.Carol).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, s.fx.Alice).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, s.fx.Staff).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/threads/9999/messages", s.fx.Alice).Code)
}

func TestAPI_VerifyChainReportsTampering(t *testing.T) {
	s := newStack(t)
	msgs := s.seedMessages(t, 3)
	path := fmt.Sprintf("/api/v1/threads/%d/verify", s.fx.Thread.ID)

	rec := s.do(t, http.MethodGet, path, s.fx.Alice)
	require.Equal(t, http.StatusOK, rec.Code)
	var ok struct {
		Data ledger.ChainReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	assert.True(t, ok.Data.Valid)
	assert.Equal(t, 3, ok.Data.Checked)

	require.NoError(t, s.db.Model(&domain.MessageModel{}).Where("id = ?", msgs[1].ID).Update("content", "tampered").Error)

	rec = s.do(t, http.MethodGet, path, s.fx.Alice)
	require.Equal(t, http.StatusConflict, rec.Code)
	var broken struct {
		Data  ledger.ChainReport `json:"data"`
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &broken))
	assert.Equal(t, "INTEGRITY_VIOLATION", broken.Error.Code)
	assert.False(t, broken.Data.Valid)
	require.NotNil(t, broken.Data.BrokenAt)
	assert.Equal(t, msgs[1].ID, *broken.Data.BrokenAt)
}

func TestAPI_ExportAudit(t *testing.T) {
	s := newStack(t)
	s.seedMessages(t, 2)
	base := fmt.Sprintf("/api/v1/threads/%d/audit", s.fx.Thread.ID)

	rec := s.do(t, http.MethodGet, base+"?format=csv", s.fx.Alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "message_id,thread_id,sender,content,structured,timestamp,version", lines[0])

	rec = s.do(t, http.MethodGet, base, s.fx.Alice)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0]["sender"])
	assert.EqualValues(t, 1, entries[0]["version"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, base+"?format=xml", s.fx.Alice).Code)
}

func TestAPI_ArchiveAudit(t *testing.T) {
	s := newStack(t)
	s.seedMessages(t, 1)
	path := fmt.Sprintf("/api/v1/threads/%d/archives", s.fx.Thread.ID)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, path+"?format=csv", s.fx.Alice).Code)

	rec := s.do(t, http.MethodGet, path, s.fx.Alice)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []storage.FileInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.True(t, strings.HasSuffix(body.Data[0].Key, ".csv"))
}

func TestAPI_SLA(t *testing.T) {
	s := newStack(t)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/threads/%d/sla", s.fx.Thread.ID), s.fx.Alice)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Data sla.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, sla.StatusActive, status.Data.Status)
	assert.Equal(t, 10, status.Data.SLAHours)

	report := fmt.Sprintf("/api/v1/tenants/%d/sla-report?days=7", s.fx.Tenant1.ID)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, report, s.fx.Alice).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, report, s.fx.Carol).Code)
}
