package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"livecollab/backend/config"
	"livecollab/backend/internal/cache"
	"livecollab/backend/internal/collab"
	"livecollab/backend/internal/gateway"
	"livecollab/backend/internal/httpapi/handlers"
	"livecollab/backend/internal/httpapi/middleware"
	"livecollab/backend/internal/store"
	"livecollab/backend/internal/transformer"
	"livecollab/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "livecollab",
		Short:         "Real-time collaborative editing server",
		Version:       fmt.Sprintf("%s (%s)", buildVersion, buildCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("init config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./backend/config/config.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalf("livecollab: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	gwCfg := gateway.Config{
		CleanupInterval:        cfg.Session.CleanupInterval,
		InactivityTimeout:      cfg.Session.InactivityTimeout,
		MaxAge:                 cfg.Session.MaxAge,
		MaxSessions:            cfg.Session.MaxSessions,
		TransformTimeout:       cfg.Transform.Timeout,
		TransformMaxConcurrent: cfg.Transform.MaxConcurrent,
		Session: collab.Options{
			ChatHistory:  cfg.Session.ChatHistory,
			SnapshotChat: cfg.Session.SnapshotChat,
			HistoryLimit: cfg.Session.HistoryLimit,
		},
	}
	var opts []gateway.Option

	// === Redis presence（可选）===
	var presence cache.PresenceCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb, cfg.Redis.PresenceTTL)
		opts = append(opts, gateway.WithPresence(presence))
		log.Printf("redis presence enabled addr=%s ttl=%s", cfg.Redis.Addr, cfg.Redis.PresenceTTL)
	}

	// === MySQL 归档（可选）===
	var archives *store.ArchiveStore
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		archives = store.NewArchiveStore(db)
		opts = append(opts, gateway.WithArchiver(archives))
		log.Printf("session archive enabled")
	}

	// === Kafka op 事件流（可选）===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		// 在 producer.Close 之前把队列里的事件发完
		defer func() {
			dispatcher.Close()
			log.Printf("kafka dispatcher stopped dropped=%d", dispatcher.Dropped())
		}()
		gwCfg.Session.Sink = dispatcher
		log.Printf("kafka op stream enabled brokers=%v topic=%s", cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}

	if cfg.Transform.URL != "" {
		opts = append(opts, gateway.WithTransformer(transformer.NewHTTPClient(cfg.Transform.URL, cfg.Transform.Timeout)))
		log.Printf("transform service url=%s", cfg.Transform.URL)
	}

	gw := gateway.New(gwCfg, opts...)
	gw.Start()
	// 最先执行：关闭所有会话，最后一批事件还能进 Kafka 队列
	defer gw.Stop()

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", handlers.Healthz)

	var presenceReader handlers.PresenceReader
	if presence != nil {
		presenceReader = presence
	}
	var archiveReader handlers.ArchiveReader
	if archives != nil {
		archiveReader = archives
	}
	api := r.Group("/")
	// 会从 Authorization 或 ?token= 提取 token，写入 userId/username
	api.Use(middleware.JWTAuth(cfg.Auth.Secret))
	handlers.NewSessionHandler(gw, presenceReader, archiveReader).Register(api)

	manager := ws.NewManager(gw, cfg.WS.AllowedOrigins)
	api.GET("/ws", manager.WebSocketConnect)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("livecollab listening port=%d version=%s", cfg.Running.Port, buildVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	return nil
}
