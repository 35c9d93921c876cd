package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/engine"
	"github.com/xela07ax/spaceai-controlplane/internal/sequencer"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func launchCmd(g *globalFlags) *cobra.Command {
	var (
		supervise  bool
		keepAgents bool
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch the agent graph in dependency order, then supervise it",
		Long: `Launches every agent of the graph in dependency order, waiting for each one
to become healthy. Exit code: 0 when all required agents are healthy, 1 when the
sequence was aborted after some agents came up, 2 when nothing came up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, graph, err := g.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, graph, logger)
			if err != nil {
				return err
			}
			return a.launch(ctx, supervise, keepAgents)
		},
	}
	cmd.Flags().BoolVar(&supervise, "supervise", true, "Keep running after startup: supervisor loop, admin API, gRPC health")
	cmd.Flags().BoolVar(&keepAgents, "keep-agents", false, "Do not terminate launched agents on shutdown")
	return cmd
}

func (a *app) launch(ctx context.Context, supervise, keepAgents bool) error {
	log := a.logger
	defer a.close()

	// 1. Фоновые части: журнал, сигналы Redis, серверы
	bgCtx, cancelBg := context.WithCancel(ctx)
	var bg sync.WaitGroup
	defer func() {
		cancelBg()
		bg.Wait()
	}()

	if a.journal != nil {
		a.journal.Start()
	}
	if a.rdb != nil {
		bg.Go(func() { a.blocklist.StartListener(bgCtx) })
		if a.rules != nil {
			bg.Go(func() { a.rules.StartListener(bgCtx) })
		}
		// Любая смена здоровья в кластере сбрасывает кэш эндпоинта
		bg.Go(func() {
			engine.StartHealthListener(bgCtx, a.rdb, log, func(name string, _ domain.HealthStatus) {
				a.discovery.Invalidate(name)
			})
		})
	}

	var servers []func(context.Context)
	if supervise {
		shutdownAPI, err := a.serveAPI(&bg)
		if err != nil {
			return err
		}
		servers = append(servers, shutdownAPI)
		if a.cfg.Server.GRPCPort > 0 {
			shutdownGRPC, err := a.serveGRPC(&bg)
			if err != nil {
				return err
			}
			servers = append(servers, shutdownGRPC)
		}
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		for _, shutdown := range servers {
			shutdown(sctx)
		}
		if !keepAgents {
			a.launcher.TerminateAll(sctx)
		}
	}()

	// 2. Последовательный запуск графа
	report := a.sequencer.Run(ctx, a.graph)
	code := report.ExitCode()
	log.Info("startup sequence finished",
		zap.Strings("order", report.Order),
		zap.Strings("healthy", report.Healthy()),
		zap.Bool("aborted", report.Aborted),
		zap.Int("exit_code", code),
	)
	for _, ar := range report.Agents {
		if ar.Status != domain.AgentHealthy {
			log.Warn("agent not healthy after startup",
				zap.String("agent", ar.Name), zap.String("status", string(ar.Status)), zap.String("reason", ar.Reason))
		}
	}

	if !shouldSupervise(report, supervise, ctx.Err()) {
		return exitCode(code)
	}

	// 3. Надзор до сигнала остановки
	n := a.supervisor.TrackLaunched(a.graph, report.Agents)
	a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	log.Info("supervising agents", zap.Int("tracked", n))

	if err := a.supervisor.Run(ctx); err != nil {
		return err
	}
	a.grpcHealth.Shutdown()
	log.Info("control plane stopped")
	return exitCode(code)
}

// shouldSupervise: надзор только за успешно завершенным запуском.
// После отката (Aborted) процессы уже остановлены, следить не за кем.
func shouldSupervise(report sequencer.Report, supervise bool, ctxErr error) bool {
	return supervise && ctxErr == nil && !report.Aborted && report.ExitCode() != sequencer.ExitTotal
}

func exitCode(code int) error {
	if code == sequencer.ExitOK {
		return nil
	}
	return exitError{code: code}
}

// serveAPI поднимает admin API и возвращает функцию graceful shutdown
func (a *app) serveAPI(bg *sync.WaitGroup) (func(context.Context), error) {
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr(),
		Handler:      a.api,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
	lis, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("admin api: listen %s: %w", srv.Addr, err)
	}
	bg.Go(func() {
		a.logger.Info("admin API started", zap.String("addr", srv.Addr))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin API failed", zap.Error(err))
		}
	})
	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("admin API shutdown failed", zap.Error(err))
		}
	}, nil
}

// serveGRPC — стандартный grpc.health.v1: общий статус и статус каждого агента
func (a *app) serveGRPC(bg *sync.WaitGroup) (func(context.Context), error) {
	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.GRPCPort))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc health: listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, a.grpcHealth)
	a.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	bg.Go(func() {
		a.logger.Info("gRPC health server started", zap.String("addr", addr))
		if err := srv.Serve(lis); err != nil {
			a.logger.Error("gRPC health server failed", zap.Error(err))
		}
	})
	return func(ctx context.Context) {
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			srv.Stop()
		}
	}, nil
}
