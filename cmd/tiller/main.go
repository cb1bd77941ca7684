package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/tiller/pkg/approval"
	"github.com/Mindburn-Labs/tiller/pkg/config"
	"github.com/Mindburn-Labs/tiller/pkg/governance"
	"github.com/Mindburn-Labs/tiller/pkg/observability"
	"github.com/Mindburn-Labs/tiller/pkg/policy"
	"github.com/Mindburn-Labs/tiller/pkg/queue"
	"github.com/Mindburn-Labs/tiller/pkg/quota"
	"github.com/Mindburn-Labs/tiller/pkg/runtime"
	"github.com/Mindburn-Labs/tiller/pkg/store"
	"github.com/Mindburn-Labs/tiller/pkg/workflow"

	_ "github.com/lib/pq" // postgres driver
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "tiller",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.TracingEnabled,
		Insecure:     cfg.Environment == "development",
	})
	if err != nil {
		return err
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shCtx); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}()

	quotas := quota.NewManager(st)
	if err := provisionNamespaces(ctx, cfg, quotas); err != nil {
		return err
	}

	q := queue.New(st)
	engine, err := buildEngine()
	if err != nil {
		return err
	}

	rt, err := runtime.New(runtime.Config{
		Engine:     engine,
		Guardrails: defaultGuardrails(),
		Quotas:     quotas,
		Queue:      q,
		Approvals:  approval.NewManager(st),
		Store:      st,
		Tracer:     obs.Tracer(),
	})
	if err != nil {
		return err
	}

	timers := workflow.NewManager(st)
	if _, err := timers.Recover(ctx); err != nil {
		return fmt.Errorf("timer recovery: %w", err)
	}
	go timers.Pump(ctx, time.Second)

	for i := 0; i < cfg.Workers; i++ {
		w, err := runtime.NewWorker(runtime.WorkerConfig{
			ID:            fmt.Sprintf("worker-%d", i),
			Runtime:       rt,
			Queue:         q,
			LeaseDuration: cfg.LeaseDuration,
			PollInterval:  cfg.PollInterval,
			Tracer:        obs.Tracer(),
		})
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("worker exited", "error", err)
			}
		}()
	}

	slog.Info("tiller started",
		"backend", cfg.StoreBackend, "workers", cfg.Workers, "environment", cfg.Environment)

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil

	case "sqlite":
		st, err := store.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, func() { _ = st.Close() }, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		st := store.NewPostgresStore(db)
		if err := st.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return st, func() { _ = db.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return store.NewRedisStore(client, "tiller"), func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// provisionNamespaces loads YAML namespace profiles and creates any that
// do not exist yet.
func provisionNamespaces(ctx context.Context, cfg *config.Config, quotas *quota.Manager) error {
	profiles, err := config.LoadProfiles("profiles")
	if err != nil {
		return err
	}
	for _, p := range profiles {
		_, err := quotas.CreateNamespace(ctx, p.ID, quota.Limits{
			MaxWorkflows:            p.Quota.MaxWorkflows,
			MaxConcurrentExecutions: p.Quota.MaxConcurrentExecutions,
			MaxQueueDepth:           p.Quota.MaxQueueDepth,
			MaxStorageBytes:         p.Quota.MaxStorageBytes,
			RateLimitPerMinute:      p.Quota.RateLimitPerMinute,
		}, quota.Isolation(p.Isolation))
		if err != nil && !errors.Is(err, quota.ErrNamespaceExists) {
			return fmt.Errorf("provision namespace %s: %w", p.ID, err)
		}
	}
	return nil
}

// buildEngine compiles the baseline admission policies. Deployments
// extend this list through the governance registry.
func buildEngine() (*policy.Engine, error) {
	baseline, err := policy.NewCELPolicy("baseline-actions",
		`action in ["enqueue", "resize", "index", "export"] || actor.startsWith("svc-")`)
	if err != nil {
		return nil, err
	}
	return policy.NewEngine([]policy.Policy{baseline}, policy.WithCache(1024)), nil
}

func defaultGuardrails() *governance.Guardrails {
	g := governance.NewGuardrails()
	g.EnableInjectionCheck()
	return g
}
