package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/shop-payments/internal/app"
	"github.com/ariefcatur/shop-payments/internal/config"
	"github.com/ariefcatur/shop-payments/internal/httpx"
	"github.com/ariefcatur/shop-payments/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := telemetry.InitLogger(cfg.ServiceName+"-api", cfg.Debug)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName+"-api", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		log.Error("tracer setup failed", "error", err)
		os.Exit(1)
	}

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	router := httpx.NewRouter()
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	(&httpx.PaymentsHandler{
		Checkout:   a.Checkout,
		Payments:   a.Repo,
		Reconciler: a.Reconciler,
		Log:        log.With("component", "http"),
	}).Register(router)
	(&httpx.ProductsHandler{Products: a.Repo, Cache: a.Cache}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("HTTP listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen failed", "error", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	a.Close()
	cancel()
	if err := shutdownTracer(ctx2); err != nil {
		log.Warn("tracer shutdown failed", "error", err)
	}
}
