package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/config"
	"github.com/whisper/strangers/internal/database"
	"github.com/whisper/strangers/internal/logger"
	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/moderation"
	"github.com/whisper/strangers/internal/report"
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
	log := logger.WithModule("moderator")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	db, err := database.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	cancel()
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "whisper-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}

	reviewer := moderation.NewReviewer(report.NewStore(db), moderation.NewFilter())

	err = natsClient.SubscribeReportFiled(func(ev messaging.ReportFiled) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		r, findings, err := reviewer.Review(ctx, ev.ReportID)
		if err != nil {
			log.Warn("review failed", zap.String("report_id", ev.ReportID), zap.Error(err))
			return
		}

		if len(findings) == 0 {
			log.Info("report clean",
				zap.String("report_id", r.ID),
				zap.String("kind", r.Kind),
				zap.Int("entries", len(r.Transcript)),
			)
			return
		}
		for _, f := range findings {
			log.Info("report flagged",
				zap.String("report_id", r.ID),
				zap.String("reported_addr", r.ReportedAddr),
				zap.Int("entry", f.Index),
				zap.String("sender", f.SenderID),
				zap.String("category", f.Verdict.Category),
				zap.String("term", f.Verdict.Term),
			)
		}
	})
	if err != nil {
		log.Fatal("failed to subscribe to report feed", zap.Error(err))
	}

	log.Info("whisper moderation service running", zap.String("nats_url", natsConfig.URL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", zap.String("signal", sig.String()))

	if err := multierr.Combine(natsClient.Close(), db.Close()); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}
