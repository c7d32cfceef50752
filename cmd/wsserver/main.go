package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/config"
	"github.com/whisper/strangers/internal/database"
	"github.com/whisper/strangers/internal/logger"
	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/metrics"
	"github.com/whisper/strangers/internal/moderation"
	"github.com/whisper/strangers/internal/ratelimit"
	"github.com/whisper/strangers/internal/relay"
	"github.com/whisper/strangers/internal/report"
	"github.com/whisper/strangers/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Logger().Fatal("failed to load config", zap.Error(err))
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		logger.Logger().Fatal("failed to init logger", zap.Error(err))
	}
	defer logger.Sync()
	log := logger.WithModule("wsserver")

	// --- Postgres ---
	if err := database.Migrate(cfg.Database.DSN); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}
	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	db, err := database.Open(startCtx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	cancel()
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	reports := report.NewStore(db)
	bans := ban.NewStore(db)

	// --- Redis (optional: admission fails open without it) ---
	var (
		rdb     *redis.Client
		cache   *ban.Cache
		limiter ban.Counter
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unavailable, ban cache and connect limit disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			_ = rdb.Close()
			rdb = nil
		} else {
			cache = ban.NewCache(rdb, cfg.Admission.BanCacheTTL, cfg.Admission.BanCacheTTL/5)
			limiter = ratelimit.NewLimiter(rdb)
		}
		cancel()
	}
	gate := ban.NewGate(bans, cache, limiter, ratelimit.ConnectRule(cfg.Admission.ConnectLimit, cfg.Admission.ConnectWindow))

	// --- NATS (optional: no moderation feed or ban fan-out without it) ---
	var natsClient *messaging.NATSClient
	var publisher moderation.Publisher
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = cfg.NATS.Name
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Warn("nats unavailable, report feed and ban fan-out disabled", zap.String("url", cfg.NATS.URL), zap.Error(err))
			natsClient = nil
		} else {
			publisher = natsClient
		}
	}

	// --- Relay ---
	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		SendBuffer:     cfg.Server.SendBuffer,
		TrustProxy:     cfg.Server.TrustProxy,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
	}
	server, err := ws.NewServer(serverConfig, gate)
	if err != nil {
		log.Fatal("failed to create server", zap.Error(err))
	}

	engine := relay.New(server, moderation.NewService(reports, publisher), relay.Options{
		ReportLimit:  cfg.Moderation.ReportLimit,
		ReportWindow: cfg.Moderation.ReportWindow,
		SaveTimeout:  cfg.Moderation.SaveTimeout,
	})

	dispatcher := ws.NewMessageDispatcher(server)
	for msgType, h := range engine.Routes() {
		dispatcher.Register(msgType, ws.MessageHandler(h))
	}
	server.SetOnMessage(dispatcher.Dispatch)
	server.SetOnConnect(func(c *ws.Connection) { engine.Connect(c.ID, c.Addr) })
	server.SetOnDisconnect(engine.Disconnect)

	if natsClient != nil {
		err := natsClient.SubscribeBanApplied(func(ev messaging.BanApplied) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			gate.Forget(ctx, ev.Address)
			cancel()

			ids := engine.SessionsFrom(ev.Address)
			for _, id := range ids {
				server.CloseConnection(id)
			}
			log.Info("ban applied", zap.String("addr", ev.Address), zap.Int("evicted", len(ids)))
		})
		if err != nil {
			log.Warn("failed to subscribe to ban events", zap.Error(err))
		}
	}

	// --- Maintenance ---
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 1m", func() { refreshPending(reports, log) }); err != nil {
		log.Fatal("failed to schedule maintenance", zap.Error(err))
	}
	scheduler.Start()
	refreshPending(reports, log)

	log.Info("whisper relay starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.Int("worker_pool", cfg.Server.WorkerPoolSize),
		zap.Int("max_connections", cfg.Server.MaxConnections),
		zap.Bool("trust_proxy", cfg.Server.TrustProxy),
		zap.Bool("redis", rdb != nil),
		zap.Bool("nats", natsClient != nil),
	)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))

		<-scheduler.Stop().Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := server.Shutdown(ctx)
		// Reports still being filed hold the database until their save
		// timeout.
		engine.Wait()
		if natsClient != nil {
			err = multierr.Append(err, natsClient.Close())
		}
		if rdb != nil {
			err = multierr.Append(err, rdb.Close())
		}
		err = multierr.Append(err, db.Close())
		if err != nil {
			log.Error("shutdown error", zap.Error(err))
		}
		_ = logger.Sync()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

// refreshPending sets the pending reports gauge from the stored count.
func refreshPending(reports *report.Store, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := reports.Count(ctx)
	if err != nil {
		log.Warn("failed to count pending reports", zap.Error(err))
		return
	}
	metrics.PendingReports.Set(float64(n))
}
