package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"escrowflow/autorelease"
	"escrowflow/config"
	"escrowflow/council"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/dividend"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/metrics"
	"escrowflow/notify"
	"escrowflow/review"
	"escrowflow/wallet"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROWFLOW_CONFIG"), "path to the YAML config file")
	var opts runOptions
	flag.StringVar(&opts.dividendDay, "dividend-day", "", "run the dividend for one YYYY-MM-DD period and exit")
	flag.BoolVar(&opts.force, "force", false, "with -dividend-day, pay the period again even if it already ran")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log, closer := logging.Setup(cfg.LoggingOptions())
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil {
		log.WithError(err).Fatal("escrowd stopped")
	}
}

// runOptions carries one-shot modes selected on the command line.
type runOptions struct {
	dividendDay string
	force       bool
}

func run(ctx context.Context, cfg config.Config, opts runOptions, log *logrus.Entry) error {
	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(cfg.Database.URL); err != nil {
			return err
		}
		if v, dirty, err := db.Version(cfg.Database.URL); err == nil {
			log.WithFields(logrus.Fields{"version": v, "dirty": dirty}).Info("schema migrated")
		}
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	gateways, err := buildGateways(cfg, log)
	if err != nil {
		return err
	}
	queue, queueCloser, err := buildReviewQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queueCloser.Close()

	wallets := wallet.NewRepository(pool)
	escrowService := escrow.NewService(pool, escrow.NewRepository(pool), gateways, notify.NewOutbox(), wallets, escrow.Config{
		AutoReleaseWindow: cfg.Escrow.AutoReleaseWindow.Duration,
		MinDisputeReason:  cfg.Escrow.MinDisputeReason,
		SettlementLease:   cfg.Escrow.SettlementLease.Duration,
		Fees:              cfg.Escrow.Fees,
	}).WithLogger(log.WithField("component", "escrow"))

	arbiter := council.New(buildJudges(cfg), council.Options{
		Timeout:       cfg.Council.Timeout.Duration,
		MaxPrecedents: cfg.Council.MaxPrecedents,
		Logger:        log.WithField("component", "council"),
	})
	disputeRepo := dispute.NewRepository(pool)
	disputes := dispute.NewService(escrowService, arbiter, disputeRepo, queue).
		WithMaxPrecedents(cfg.Council.MaxPrecedents).
		WithLogger(log.WithField("component", "dispute"))

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	weights, err := cfg.DividendWeights()
	if err != nil {
		return err
	}
	dividends := dividend.NewEngine(pool, dividend.NewRepository(pool), wallets, dividend.Config{
		Location: loc,
		Weights:  weights,
	}).WithLogger(log.WithField("component", "dividend"))
	if opts.dividendDay != "" {
		return rerunDividend(ctx, dividends, loc, opts, log)
	}

	sweeper := autorelease.New(escrowService, autorelease.Config{
		BatchSize: cfg.Scheduler.BatchSize,
		Workers:   cfg.Scheduler.Workers,
	}).WithLogger(log.WithField("component", "autorelease"))

	relay := notify.NewRelay(pool, notify.NewRepository(), notify.LogPublisher{Log: log.WithField("component", "notify")},
		cfg.Notify.MaxAttempts, log.WithField("component", "notify"))

	scheduler := cron.New(cron.WithLocation(loc))
	if _, err := sweeper.Register(ctx, scheduler, cfg.Scheduler.Spec); err != nil {
		return err
	}
	if _, err := dividends.Register(ctx, scheduler, cfg.Dividend.Spec); err != nil {
		return err
	}
	if _, err := relay.Register(ctx, scheduler, cfg.Notify.Spec, cfg.Notify.BatchSize); err != nil {
		return err
	}
	if _, err := disputes.Register(ctx, scheduler, cfg.Council.SweepSpec, disputeRepo, cfg.Council.SweepBatch); err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           newRouter(pool, arbiter.Judges(), wallet.NewService(wallets)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.WithFields(logrus.Fields{
		"listen":    cfg.Metrics.Listen,
		"test_mode": cfg.Gateway.TestMode,
		"judges":    len(arbiter.Judges()),
		"review":    cfg.Review.Backend,
	}).Info("escrowd started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	log.Info("escrowd stopped")
	return nil
}

// pinger is satisfied by *pgxpool.Pool.
type pinger interface {
	Ping(ctx context.Context) error
}

// walletReader is satisfied by *wallet.Service.
type walletReader interface {
	Balance(ctx context.Context, userID string) (ledger.UserWallet, error)
	Entries(ctx context.Context, userID string, limit int) ([]wallet.Entry, error)
}

type walletView struct {
	UserID      string      `json:"user_id"`
	Balance     int64       `json:"balance"`
	TotalEarned int64       `json:"total_earned"`
	Entries     []entryView `json:"entries"`
}

type entryView struct {
	Amount    int64     `json:"amount"`
	Source    string    `json:"source"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

func newRouter(db pinger, judges []string, wallets walletReader) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unavailable","judges":%d}`, len(judges))
			return
		}
		fmt.Fprintf(w, `{"status":"ok","judges":%d}`, len(judges))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/wallets/{userID}", func(w http.ResponseWriter, req *http.Request) {
		userID := chi.URLParam(req, "userID")
		limit := 50
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		balance, err := wallets.Balance(req.Context(), userID)
		if err != nil {
			http.Error(w, "wallet unavailable", http.StatusInternalServerError)
			return
		}
		entries, err := wallets.Entries(req.Context(), userID, limit)
		if err != nil {
			http.Error(w, "wallet unavailable", http.StatusInternalServerError)
			return
		}
		view := walletView{
			UserID:      balance.UserID,
			Balance:     balance.Balance,
			TotalEarned: balance.TotalEarned,
			Entries:     make([]entryView, 0, len(entries)),
		}
		for _, e := range entries {
			view.Entries = append(view.Entries, entryView{Amount: e.Amount, Source: e.Source, Reference: e.Reference, CreatedAt: e.CreatedAt})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	})
	return r
}

// rerunDividend pays one explicit period, used by operators to backfill a
// missed day or to force a repeat payout.
func rerunDividend(ctx context.Context, engine *dividend.Engine, loc *time.Location, opts runOptions, log logrus.FieldLogger) error {
	period, err := dividend.ParseDay(opts.dividendDay, loc)
	if err != nil {
		return err
	}
	res, err := engine.Run(ctx, dividend.RunParams{Period: &period, Force: opts.force})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"period":     res.Period.Label(),
		"outcome":    res.Outcome,
		"recipients": len(res.Allocations),
		"forced":     opts.force,
	}).Info("dividend rerun finished")
	return nil
}

func buildGateways(cfg config.Config, log logrus.FieldLogger) (*gateway.Registry, error) {
	var backends []gateway.Gateway
	if cfg.Gateway.TestMode {
		backends = append(backends, gateway.NewMockGateway())
	}

	var checkout *gateway.CheckoutSigner
	if cfg.Gateway.CheckoutSecret != "" {
		signer, err := gateway.NewCheckoutSigner(cfg.Gateway.CheckoutSecret, cfg.Gateway.CheckoutBaseURL, cfg.Gateway.CheckoutTTL.Duration)
		if err != nil {
			return nil, err
		}
		checkout = signer
	}
	for _, rc := range cfg.RESTBackends() {
		gw, err := gateway.NewRESTGateway(rc, nil, checkout)
		if err != nil {
			return nil, err
		}
		backends = append(backends, gw)
	}

	registry, err := gateway.NewRegistry(cfg.GatewayPolicy(), backends...)
	if err != nil {
		return nil, err
	}
	log.WithField("backends", len(backends)).Debug("gateway registry ready")
	return registry, nil
}

func buildJudges(cfg config.Config) []council.Judge {
	judges := make([]council.Judge, 0, len(cfg.Council.Judges))
	for _, jc := range cfg.Council.Judges {
		judges = append(judges, council.NewHTTPJudge(jc, &http.Client{Timeout: cfg.Council.Timeout.Duration}))
	}
	return judges
}

func buildReviewQueue(ctx context.Context, cfg config.Config) (review.Queue, io.Closer, error) {
	switch cfg.Review.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Review.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("review: ping redis: %w", err)
		}
		return review.NewRedisQueue(client, cfg.Review.RedisKey), client, nil
	default:
		sqlDB, err := sql.Open("sqlite", cfg.Review.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("review: open sqlite: %w", err)
		}
		q := review.NewSQLQueue(sqlDB)
		if err := q.EnsureSchema(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return q, sqlDB, nil
	}
}
