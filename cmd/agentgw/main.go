package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/agentgw/internal/api"
	"github.com/flowpbx/agentgw/internal/config"
	"github.com/flowpbx/agentgw/internal/metrics"
	"github.com/flowpbx/agentgw/internal/numbers"
	"github.com/flowpbx/agentgw/internal/routing"
	sipserver "github.com/flowpbx/agentgw/internal/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startedAt := time.Now()
	slog.Info("starting agentgw",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"pstn_trunk", cfg.PSTNTrunk,
		"agent_trunk", cfg.AgentTrunk,
		"trunks", len(cfg.Trunks),
	)

	jwtSecret, err := cfg.APIJWTSecretBytes()
	if err != nil {
		slog.Error("invalid api jwt secret", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(cfg, logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}

	// The controller drives the SIP server through routing.CallControl and
	// the SIP server feeds events back through the attached router.
	registry := routing.NewRegistry()
	ctrl := routing.NewController(registry, sipSrv, numbers.Normalizer{}, cfg.RoutingOptions(), logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(
			registry,
			sipSrv.Calls(),
			&trunkStatusAdapter{registrar: sipSrv.Trunks()},
			sipSrv.BruteForceGuard(),
			startedAt,
		),
	)
	ctrl.SetObserver(metrics.NewRoutingObserver(reg))

	sipSrv.Attach(ctrl)
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	handler := api.NewServer(api.Deps{
		Sessions:   registry,
		Terminator: ctrl,
		Calls:      sipSrv,
		Trunks:     sipSrv.Trunks(),
		Guard:      sipSrv.BruteForceGuard(),
		Gatherer:   reg,
		JWTSecret:  jwtSecret,
		StartedAt:  startedAt,
		Logger:     logger,
	})
	defer handler.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error. SIGHUP reloads routing options.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				reload(ctrl, sipSrv)
				continue
			}
			slog.Info("received shutdown signal", "signal", sig.String())
			break wait
		case err := <-errCh:
			slog.Error("http server error", "error", err)
			break wait
		}
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sipSrv.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("agentgw stopped")
}

// reload re-reads configuration and applies the parts that can change at
// runtime: routing options for new sessions, the source ACL and SIP trace
// verbosity. Ports, TLS and trunks need a restart.
func reload(ctrl *routing.Controller, sipSrv *sipserver.Server) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config reload failed, keeping current settings", "error", err)
		return
	}

	if err := sipSrv.ACL().Set(cfg.AllowedSourceList()); err != nil {
		slog.Error("config reload failed, keeping current settings", "error", err)
		return
	}
	ctrl.SetOptions(cfg.RoutingOptions())
	sipSrv.Tracer().SetVerbosity(sipserver.ParseSIPLogVerbosity(cfg.SIPTrace))

	slog.Info("configuration reloaded",
		"pstn_trunk", cfg.PSTNTrunk,
		"agent_trunk", cfg.AgentTrunk,
		"refer_passthrough", cfg.ReferPassThrough,
		"allowed_sources", len(cfg.AllowedSourceList()),
		"sip_trace", cfg.SIPTrace,
	)
}

// trunkStatusAdapter bridges the SIP trunk registrar with the metrics
// package's TrunkStatusProvider interface.
type trunkStatusAdapter struct {
	registrar *sipserver.TrunkRegistrar
}

func (a *trunkStatusAdapter) GetAllTrunkStatuses() []metrics.TrunkStatusEntry {
	states := a.registrar.GetAllStatuses()
	entries := make([]metrics.TrunkStatusEntry, len(states))
	for i, st := range states {
		entries[i] = metrics.TrunkStatusEntry{
			Name:    st.Name,
			Status:  string(st.Status),
			Healthy: st.OptionsHealthy,
		}
	}
	return entries
}
