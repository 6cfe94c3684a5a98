// Package app wires the stores, queues, gateways and services shared by the
// api, worker and payctl binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/shop-payments/internal/audit"
	auditsqlite "github.com/ariefcatur/shop-payments/internal/audit/sqlite"
	"github.com/ariefcatur/shop-payments/internal/cache"
	"github.com/ariefcatur/shop-payments/internal/checkout"
	"github.com/ariefcatur/shop-payments/internal/config"
	"github.com/ariefcatur/shop-payments/internal/gateway"
	kafkax "github.com/ariefcatur/shop-payments/internal/kafka"
	"github.com/ariefcatur/shop-payments/internal/ledger"
	"github.com/ariefcatur/shop-payments/internal/notify"
	"github.com/ariefcatur/shop-payments/internal/payment"
	"github.com/ariefcatur/shop-payments/internal/postgres"
	"github.com/ariefcatur/shop-payments/internal/queue"
	"github.com/ariefcatur/shop-payments/internal/reconcile"
	"github.com/ariefcatur/shop-payments/internal/redisx"
)

type App struct {
	Config config.Config
	Log    *slog.Logger

	DB        *pgxpool.Pool
	Redis     *redis.Client
	Repo      *payment.Repo
	Shipments *payment.ShipmentRepo
	Ledger    *ledger.Postgres
	Cache     *cache.Cache
	Gateways  gateway.Registry
	Audit     audit.Recorder
	Events    *kafkax.Producer

	Payments *queue.Queue
	OTP      *queue.Queue

	Checkout   *checkout.Service
	Worker     *checkout.Worker
	Reconciler *reconcile.Reconciler
	Sweeper    *reconcile.Sweeper

	closers []func()
}

// Open connects to Postgres, Redis and Kafka and builds every service. The
// event producer is started on ctx.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg, log := a.Config, a.Log

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	if err := postgres.Migrate(ctx, db); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}

	a.Redis = redisx.New(cfg.RedisAddr)
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })

	a.Repo = &payment.Repo{DB: db}
	a.Shipments = &payment.ShipmentRepo{DB: db}
	a.Ledger = &ledger.Postgres{DB: db}

	// the cache has its own switch; the queue always needs Redis
	var cacheClient *redis.Client
	if cfg.CacheEnabled {
		cacheClient = a.Redis
	}
	a.Cache = cache.New(cacheClient, log)

	hc := &http.Client{Timeout: 15 * time.Second}
	a.Gateways = gateway.NewRegistry(
		gateway.NewCard(cfg.CardGatewayURL, cfg.CardServerKey, hc),
		gateway.NewCrypto(cfg.CryptoGatewayURL, cfg.CryptoAPIKey, cfg.CryptoCallbackSecret, hc),
	)
	fees, err := a.fees()
	if err != nil {
		return err
	}

	a.Audit = audit.Nop{}
	if cfg.AuditDBPath != "" {
		rec, err := auditsqlite.Open(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("audit db: %w", err)
		}
		a.Audit = rec
		a.closers = append(a.closers, func() { _ = rec.Close() })
	}

	a.Events = kafkax.NewProducer(cfg.KafkaBrokers, payment.TopicPaymentFinalized, 1024, log)
	a.Events.Start(ctx)
	a.closers = append(a.closers, func() {
		a.Events.Close()
		a.Events.WaitClosed()
	})

	qcfg := queue.Config{RetainCompleted: cfg.RetainCompleted, RetainFailed: cfg.RetainFailed}
	qcfg.Name = checkout.QueuePayments
	a.Payments = queue.New(a.Redis, qcfg)
	qcfg.Name = notify.QueueOTP
	a.OTP = queue.New(a.Redis, qcfg)

	a.Checkout, err = checkout.NewService(a.Payments, a.Ledger, a.Redis, cfg.NodeID, log)
	if err != nil {
		return err
	}
	a.Reconciler = &reconcile.Reconciler{
		Payments:    a.Repo,
		Shipments:   a.Shipments,
		Ledger:      a.Ledger,
		Gateways:    a.Gateways,
		Cache:       a.Cache,
		Events:      a.Events,
		Audit:       a.Audit,
		ServiceName: cfg.ServiceName,
		Log:         log.With("component", "reconcile"),
	}
	a.Worker = &checkout.Worker{
		Products:        a.Repo,
		Directory:       a.Repo,
		Payments:        a.Repo,
		Shipments:       a.Shipments,
		Ledger:          a.Ledger,
		Gateways:        a.Gateways,
		Fees:            fees,
		Cache:           a.Cache,
		Finalizer:       a.Reconciler,
		CallbackBaseURL: cfg.CallbackBaseURL,
		Currency:        cfg.Currency,
		Log:             log.With("component", "payment-worker"),
	}
	a.Sweeper = &reconcile.Sweeper{
		Reconciler:  a.Reconciler,
		Payments:    a.Repo,
		Jobs:        a.Checkout,
		OrphanAfter: cfg.OrphanAfter,
		Interval:    cfg.SweepInterval,
		Log:         log.With("component", "sweeper"),
	}
	return nil
}

func (a *App) fees() (map[payment.Gateway]payment.Fee, error) {
	card, err := payment.ParseFee(a.Config.CardFeeFixedCents, a.Config.CardFeeRate)
	if err != nil {
		return nil, fmt.Errorf("card fee: %w", err)
	}
	crypto, err := payment.ParseFee(0, a.Config.CryptoFeeRate)
	if err != nil {
		return nil, fmt.Errorf("crypto fee: %w", err)
	}
	return map[payment.Gateway]payment.Fee{payment.GatewayCard: card, payment.GatewayCrypto: crypto}, nil
}

// Close releases everything Open acquired, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Ping checks the backing services.
func (a *App) Ping(ctx context.Context) error {
	return errors.Join(a.DB.Ping(ctx), a.Redis.Ping(ctx).Err())
}
