package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/incident-chat/chat-service/internal/audit"
	"github.com/weiawesome/incident-chat/chat-service/internal/config"
	"github.com/weiawesome/incident-chat/chat-service/internal/crypto"
	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/eventbus"
	"github.com/weiawesome/incident-chat/chat-service/internal/handler"
	"github.com/weiawesome/incident-chat/chat-service/internal/hub"
	"github.com/weiawesome/incident-chat/chat-service/internal/ledger"
	"github.com/weiawesome/incident-chat/chat-service/internal/metrics"
	"github.com/weiawesome/incident-chat/chat-service/internal/notify"
	"github.com/weiawesome/incident-chat/chat-service/internal/presence"
	"github.com/weiawesome/incident-chat/chat-service/internal/receipt"
	"github.com/weiawesome/incident-chat/chat-service/internal/repository"
	"github.com/weiawesome/incident-chat/chat-service/internal/service"
	"github.com/weiawesome/incident-chat/chat-service/internal/sla"
	"github.com/weiawesome/incident-chat/pkg/database"
	"github.com/weiawesome/incident-chat/pkg/jwt"
	"github.com/weiawesome/incident-chat/pkg/log"
	"github.com/weiawesome/incident-chat/pkg/middleware"
	"github.com/weiawesome/incident-chat/pkg/pubsub"
	"github.com/weiawesome/incident-chat/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := log.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Init(log.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, ServiceName: "incident-chat"})
	l := log.L()

	if err := run(cfg); err != nil {
		l.Fatal().Err(err).Msg("incident chat stopped with error")
	}
	l.Info().Msg("incident chat stopped")
}

func run(cfg *config.Config) error {
	l := log.L()
	instanceID := uuid.New().String()
	l.Info().Str("instance_id", instanceID).Msg("starting incident chat")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.New(&cfg.Database)
	if err != nil {
		return err
	}
	if err := database.AutoMigrate(db, domain.Models()...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	l.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	l.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")

	// Presence fan-out between instances
	relayBus, err := newRelayBus(cfg, rdb)
	if err != nil {
		return err
	}
	defer relayBus.Close()
	tracker := presence.NewTracker(rdb, cfg.Presence.KeyPrefix, relayBus, instanceID)

	// Collaborators
	bus, err := eventbus.New(eventbus.Config{
		Driver:     cfg.EventBus.Driver,
		Brokers:    cfg.Kafka.Brokers,
		Partitions: cfg.Kafka.Partitions,
		Topics:     []string{cfg.EventBus.ChatTopic, cfg.EventBus.SLATopic},
	}, rdb)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer bus.Close()

	var pusher notify.Pusher
	if cfg.Push.Enabled {
		pusher = notify.NewFCMPusher(cfg.Push.Endpoint, cfg.Push.ServerKey, cfg.Push.Timeout)
	}
	var itsm notify.ITSM
	if cfg.ITSM.Enabled {
		itsm = notify.NewWebhookITSM(cfg.ITSM.BaseURL, cfg.ITSM.Token, cfg.ITSM.Timeout)
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Push.Timeout,
	}, bus, pusher, itsm)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Ledger and audit
	cipher, err := crypto.New(cfg.Ledger.AgeIdentityFile)
	if err != nil {
		return err
	}
	var writerOpts []audit.Option
	if cfg.Audit.Cassandra.Enabled {
		mirror, err := audit.NewCassandraMirror(cfg.Audit.Cassandra, cfg.Notify.QueueSize)
		if err != nil {
			return err
		}
		defer mirror.Close()
		writerOpts = append(writerOpts, audit.WithMirror(mirror))
		l.Info().Strs("hosts", cfg.Audit.Cassandra.Hosts).Msg("audit mirror enabled")
	}
	auditWriter := audit.NewWriter(db, cipher, writerOpts...)

	store, err := storage.New(ctx, cfg.Audit.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	archiver := audit.NewArchiver(auditWriter, store)

	engine := ledger.NewEngine(db, cipher, auditWriter)

	users := repository.NewGormUserRepository(db)
	threads := repository.NewGormThreadRepository(db)
	tenants := repository.NewGormTenantRepository(db)

	checker := sla.NewChecker(sla.CheckerConfig{
		FallbackHours: cfg.SLA.DefaultHours,
		Topic:         cfg.EventBus.SLATopic,
	}, threads, tenants, users, engine, dispatcher)

	tokens, err := newTokenManager(cfg.Auth)
	if err != nil {
		return err
	}

	// Realtime
	wsHub := hub.NewHub(cfg.WebSocket)
	go wsHub.Run()
	defer wsHub.Stop()
	checker.WithBroadcaster(wsHub)

	chatSvc := service.NewChatService(service.Config{
		ChatTopic:  cfg.EventBus.ChatTopic,
		LaneBuffer: cfg.WebSocket.LaneBuffer,
	}, service.Deps{
		Hub:      wsHub,
		Tokens:   tokens,
		Users:    users,
		Threads:  threads,
		Tenants:  tenants,
		Ledger:   engine,
		Receipts: receipt.NewTracker(db),
		Presence: tracker,
		Notifier: dispatcher,
	})
	if err := chatSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start chat service: %w", err)
	}
	defer chatSvc.Stop()

	// HTTP surfaces
	router := mux.NewRouter()
	router.Use(log.HTTPMiddleware(l, "/health", "/metrics"))
	handler.NewWSHandler(wsHub, chatSvc, cfg.WebSocket).RegisterRoutes(router)
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	gin.SetMode(gin.ReleaseMode)
	api := gin.New()
	api.Use(gin.Recovery(), log.GinMiddleware(l))
	handler.NewAPIHandler(handler.APIDeps{
		Users:    users,
		Threads:  threads,
		Tenants:  tenants,
		Ledger:   engine,
		Audit:    auditWriter,
		Archiver: archiver,
		Checker:  checker,
		Presence: tracker,
	}, middleware.NewAuthMiddleware(tokens)).RegisterRoutes(api)

	wsServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      api,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	relay := presence.NewRelay(relayBus, wsHub, instanceID)
	g.Go(func() error {
		relay.Run(gctx)
		return nil
	})

	if cfg.SLA.Enabled {
		scanner, err := sla.NewScanner(checker, cfg.SLA.ScanInterval, cfg.SLA.Schedule)
		if err != nil {
			return err
		}
		scanner.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			scanner.Stop()
			<-scanner.Done()
			return nil
		})
	}

	for _, srv := range []*http.Server{wsServer, apiServer} {
		srv := srv
		g.Go(func() error {
			l.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{wsServer, apiServer} {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				l.Warn().Err(err).Str("addr", srv.Addr).Msg("server forced to shutdown")
			}
		}
		return nil
	})

	return g.Wait()
}

func newRelayBus(cfg *config.Config, rdb *redis.Client) (pubsub.PubSub, error) {
	switch cfg.Presence.RelayDriver {
	case "kafka":
		return pubsub.NewKafkaPubSub(pubsub.KafkaConfig{
			Brokers:    cfg.Kafka.Brokers,
			GroupID:    cfg.Kafka.GroupID,
			Partitions: cfg.Kafka.Partitions,
		})
	default:
		return pubsub.NewRedisPubSubFromClient(rdb), nil
	}
}

// newTokenManager loads the RS256 key pair. Without key files it generates
// an ephemeral pair, which only suits single-instance development.
func newTokenManager(cfg config.AuthConfig) (*jwt.Manager, error) {
	if cfg.PrivateKeyFile == "" && cfg.PublicKeyFile == "" {
		l := log.L()
		l.Warn().Msg("no JWT key files configured, using an ephemeral key pair")
		return jwt.NewManager(cfg.AccessTTL, cfg.RefreshTTL, cfg.Issuer)
	}

	var priv, pub []byte
	var err error
	if cfg.PrivateKeyFile != "" {
		if priv, err = os.ReadFile(cfg.PrivateKeyFile); err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
	}
	if cfg.PublicKeyFile != "" {
		if pub, err = os.ReadFile(cfg.PublicKeyFile); err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
	}
	return jwt.NewManagerFromPEM(priv, pub, cfg.AccessTTL, cfg.RefreshTTL, cfg.Issuer)
}
