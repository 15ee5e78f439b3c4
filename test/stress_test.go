package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/autorelease"
	"escrowflow/dividend"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/logging"
	"escrowflow/notify"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
	"escrowflow/wallet"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per role")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends during the run")
)

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv(infra.DSNEnv) != "":
		dsn = os.Getenv(infra.DSNEnv)
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx, "escrow_stress")
			if err != nil {
				t.Skipf("no postgres available: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if err := infra.Reset(ctx, pool); err != nil {
		t.Fatalf("reset: %v", err)
	}

	st := newStack(t, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	completed := make(actors.Completed, 64)

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Producer(ctx2, st.escrow, completed, stop) })
		g.Go(func() error { return actors.Contender(ctx2, st.escrow, completed, stop) })
		g.Go(func() error { return actors.Resolver(ctx2, st.escrow, st.disputed, stop) })
	}
	g.Go(func() error { return actors.Sweeper(ctx2, st.sweeper, stop) })
	g.Go(func() error { return actors.Relay(ctx2, st.relay, stop) })
	g.Go(func() error { return actors.Distributor(ctx2, st.dividend, dividend.Day(time.Now(), time.UTC), stop) })
	g.Go(func() error { return actors.Distributor(ctx2, st.dividend, dividend.Day(time.Now(), time.UTC), stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, 2*time.Second, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Logf("oracle error (retrying): %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s", name, row)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// Settle leftovers, then check once more on a quiet database.
	if name, row, err := oracles.Run(context.Background(), pool); err != nil || name != "" {
		t.Fatalf("final oracle %s failed: %s %v", name, row, err)
	}
}

type stack struct {
	escrow   *escrow.Service
	sweeper  *autorelease.Scheduler
	relay    *notify.Relay
	dividend *dividend.Engine
	disputed func(ctx context.Context) ([]string, error)
}

func newStack(t *testing.T, pool *pgxpool.Pool) stack {
	t.Helper()
	log := logging.Discard()
	registry, err := gateway.NewRegistry(gateway.Policy{TestMode: true}, gateway.NewMockGateway())
	if err != nil {
		t.Fatalf("gateway registry: %v", err)
	}
	wallets := wallet.NewRepository(pool)
	repo := escrow.NewRepository(pool)
	svc := escrow.NewService(pool, repo, registry, notify.NewOutbox(), wallets, escrow.DefaultConfig()).WithLogger(log)

	// The sweeper lives past every auto-release deadline.
	future := func() time.Time { return time.Now().Add(escrow.DefaultConfig().AutoReleaseWindow + time.Hour) }
	sweepSvc := escrow.NewService(pool, repo, registry, notify.NewOutbox(), wallets, escrow.DefaultConfig()).
		WithClock(future).
		WithLogger(log)

	return stack{
		escrow:   svc,
		sweeper:  autorelease.New(sweepSvc, autorelease.Config{BatchSize: 50, Workers: 4}).WithLogger(log),
		relay:    notify.NewRelay(pool, notify.NewRepository(), notify.LogPublisher{Log: log}, 3, log),
		dividend: dividend.NewEngine(pool, dividend.NewRepository(pool), wallets, dividend.Config{}).WithLogger(log),
		disputed: func(ctx context.Context) ([]string, error) {
			rows, err := pool.Query(ctx, `SELECT id FROM slices WHERE status = 'disputed' ORDER BY random() LIMIT 10`)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			var ids []string
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					return nil, err
				}
				ids = append(ids, id)
			}
			return ids, rows.Err()
		},
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"slice_events", `SELECT id, slice_id, type, created_at FROM slice_events ORDER BY id DESC LIMIT 50`},
		{"escrow_payments", `SELECT id, slice_id, status, provider_amount, client_refund_amount, settling_until FROM escrow_payments ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"dividend_runs", `SELECT id, period_start, pool, paid, forced FROM dividend_runs ORDER BY created_at DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
