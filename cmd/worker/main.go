package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/shop-payments/internal/app"
	"github.com/ariefcatur/shop-payments/internal/config"
	kafkax "github.com/ariefcatur/shop-payments/internal/kafka"
	"github.com/ariefcatur/shop-payments/internal/notify"
	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/queue"
	"github.com/ariefcatur/shop-payments/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := telemetry.InitLogger(cfg.ServiceName+"-worker", cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName+"-worker", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		log.Error("tracer setup failed", "error", err)
		os.Exit(1)
	}
	// the producer outlives ctx so in-flight jobs can still publish while draining
	a, err := app.Open(context.WithoutCancel(ctx), cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	payments := &queue.Worker{
		Queue:       a.Payments,
		Handler:     a.Worker,
		Concurrency: cfg.PaymentConcurrency,
		Logger:      log,
	}
	mailer := notify.LogMailer{Log: log.With("component", "mailer")}
	limit := notify.OTPRateLimit
	if cfg.OTPRatePerMinute > 0 {
		limit.Max = cfg.OTPRatePerMinute
	}
	otp := &queue.Worker{
		Queue:       a.OTP,
		Handler:     &notify.OTPHandler{Mailer: mailer, Log: log},
		Concurrency: cfg.OTPConcurrency,
		Limit:       limit,
		Logger:      log,
	}
	notifier := &notify.Service{
		Redis:       a.Redis,
		Directory:   a.Repo,
		Mailer:      mailer,
		ServiceName: cfg.ServiceName + "-notify",
		Log:         log.With("component", "notify"),
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifyGroup, payment.TopicPaymentFinalized, 4, log)

	// jobs left active by a crashed process go back to waiting before the pools start
	if err := payments.RecoverStalled(ctx); err != nil {
		log.Warn("stall recovery failed", "queue", a.Payments.Name(), "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		payments.Start(gctx)
		<-gctx.Done()
		payments.Stop()
		return nil
	})
	g.Go(func() error {
		otp.Start(gctx)
		<-gctx.Done()
		otp.Stop()
		return nil
	})
	g.Go(func() error {
		log.Info("notify consumer started", "group", cfg.NotifyGroup, "topic", payment.TopicPaymentFinalized)
		return cons.Start(gctx, notifier.HandlePaymentEvent)
	})
	g.Go(func() error {
		return a.Sweeper.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("worker stopped with error", "error", err)
	}
	log.Info("shutting down")
	a.Close()

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracer(ctx2); err != nil {
		log.Warn("tracer shutdown failed", "error", err)
	}
}
