// Command gateway runs the agent gateway: the supervised tool-call
// pipeline, the admin API, the approval bus, and the background loops
// that keep them honest.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/intellibrowse/gateway/pkg/api"
	"github.com/intellibrowse/gateway/pkg/approval"
	"github.com/intellibrowse/gateway/pkg/audit"
	"github.com/intellibrowse/gateway/pkg/auth"
	"github.com/intellibrowse/gateway/pkg/config"
	"github.com/intellibrowse/gateway/pkg/consent"
	"github.com/intellibrowse/gateway/pkg/filter"
	"github.com/intellibrowse/gateway/pkg/keystore"
	"github.com/intellibrowse/gateway/pkg/memory"
	"github.com/intellibrowse/gateway/pkg/metrics"
	"github.com/intellibrowse/gateway/pkg/observability"
	"github.com/intellibrowse/gateway/pkg/ratelimit"
	"github.com/intellibrowse/gateway/pkg/sandbox"
	"github.com/intellibrowse/gateway/pkg/scheduler"
	"github.com/intellibrowse/gateway/pkg/schema"
	"github.com/intellibrowse/gateway/pkg/supervisor"
	"github.com/intellibrowse/gateway/pkg/tabs"
	"github.com/intellibrowse/gateway/pkg/webhook"
)

const version = "0.4.0"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "agent-gateway",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}

	m := metrics.New()

	var auditKey []byte
	if cfg.AuditKey != "" {
		auditKey, err = hex.DecodeString(cfg.AuditKey)
		if err != nil {
			return fmt.Errorf("decode audit key: %w", err)
		}
	}
	sink, err := audit.Open(cfg.AuditLog, auditKey)
	if err != nil {
		return err
	}
	defer sink.Close()

	users, err := auth.OpenStore(filepath.Join(cfg.DataDir, "users.json"), cfg.AdminPassword)
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(users, filepath.Join(cfg.DataDir, "revoked.json"),
		cfg.AccessTTL, cfg.RefreshTTL, cfg.BootstrapSecret)
	if err != nil {
		return err
	}

	var rateStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rateStore = ratelimit.NewRedisStore(cfg.RedisAddr)
		logger.Info("rate limit state in redis", "addr", cfg.RedisAddr)
	}
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateMax,
		Window:      cfg.RateWindow,
		Burst:       cfg.RateBurst,
	}, rateStore)

	fe, err := filter.NewEngine(cfg.FilterRules)
	if err != nil {
		return err
	}

	reg := schema.NewRegistry()
	if err := reg.LoadDir(cfg.SchemaDir); err != nil {
		return err
	}
	logger.Info("schemas loaded", "dir", cfg.SchemaDir, "actions", len(reg.Actions()))

	bus := approval.New(cfg.ApprovalTimeout, cfg.ApprovalAlertThreshold, m)

	runner := buildRunner(cfg, m, logger)
	kill := supervisor.NewKillSwitch()
	sup := supervisor.New(kill, authSvc, cfg.AllowedCapabilities, fe, reg, bus, runner, sink, m, logger)

	sched, err := scheduler.Open(filepath.Join(cfg.DataDir, "schedule.json"), sup, m, logger)
	if err != nil {
		return err
	}

	hooks, err := webhook.OpenRegistry(filepath.Join(cfg.DataDir, "webhooks.json"))
	if err != nil {
		return err
	}
	dispatcher := webhook.NewDispatcher(hooks, cfg.WebhookMaxRetries, m, logger)
	defer dispatcher.Close()

	// Every approval transition fans out to registered webhooks. The
	// backlog edge is recorded to the audit log instead.
	bus.Notify(func(ev approval.Event) {
		switch ev.Type {
		case approval.EventSlowConsumer:
		case approval.EventBacklog:
			sink.Record(ctx, "", "approval.backlog", map[string]any{
				"pending":   bus.PendingCount(),
				"threshold": cfg.ApprovalAlertThreshold,
			})
		default:
			dispatcher.Dispatch(string(ev.Type), ev)
		}
	})

	keys, err := keystore.Open(filepath.Join(cfg.DataDir, "keys.json"))
	if err != nil {
		return err
	}

	mem, err := memory.OpenStore(filepath.Join(cfg.DataDir, "memory"))
	if err != nil {
		return err
	}

	consentLog, err := consent.Open(filepath.Join(cfg.DataDir, "consent.jsonl"))
	if err != nil {
		return err
	}
	defer consentLog.Close()

	srv := api.NewServer(authSvc, limiter, sink, m, logger)
	srv.Supervisor = sup
	srv.Kill = kill
	srv.Bus = bus
	srv.Scheduler = sched
	srv.Filter = fe
	srv.Webhooks = hooks
	srv.Keystore = keys
	srv.Memory = mem
	srv.Consent = consentLog
	srv.Tabs = tabs.NewManager(consentLog)
	srv.Users = users
	srv.DefaultCapabilities = cfg.AllowedCapabilities

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Addr, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		bus.StartReaper(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	if pool, ok := runner.(*sandbox.Pool); ok {
		g.Go(func() error {
			pool.StartHealth(gctx)
			return nil
		})
		defer pool.Close()
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				authSvc.Prune()
			}
		}
	})

	err = g.Wait()
	if shutdownErr := obs.Shutdown(context.Background()); shutdownErr != nil {
		logger.Warn("trace shutdown", "error", shutdownErr)
	}
	return err
}

// buildRunner selects the execution backend: a persistent worker pool by
// default, or per-call docker containers when an image is configured.
func buildRunner(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) sandbox.Runner {
	if cfg.ContainerImage != "" {
		logger.Info("sandbox backend: docker", "image", cfg.ContainerImage)
		return &sandbox.DockerRunner{
			Image:          cfg.ContainerImage,
			WorkerCmd:      strings.Fields(cfg.WorkerCmd),
			SeccompProfile: cfg.SeccompProfile,
			CallTimeout:    cfg.CallTimeout,
			Logger:         logger,
		}
	}
	logger.Info("sandbox backend: worker pool", "cmd", cfg.WorkerCmd, "size", cfg.PoolSize)
	fields := strings.Fields(cfg.WorkerCmd)
	var args []string
	if len(fields) > 1 {
		args = fields[1:]
	}
	return sandbox.NewPool(sandbox.Config{
		Command:     fields[0],
		Args:        args,
		Size:        cfg.PoolSize,
		CallTimeout: cfg.CallTimeout,
	}, m, logger)
}
