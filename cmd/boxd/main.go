//go:build linux

// boxd is the execution daemon. It pre-warms a pool of sandboxed workers,
// binds the client socket, and dispatches untrusted code payloads with
// sub-millisecond overhead once the pool is warm.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"boxd/internal/arena"
	"boxd/internal/observe"
	"boxd/internal/pool"
	"boxd/internal/server"
	"boxd/internal/supervisor"
	"boxd/internal/worker"
	"boxd/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/boxd.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ar, err := arena.New(cfg.Arena)
	if err != nil {
		logger.Error(ctx, "init arena failed", zap.Error(err))
		return
	}
	defer func() {
		_ = ar.Close()
	}()

	pol, err := supervisor.NewPolicy(cfg.Sandbox.SeccompDeny)
	if err != nil {
		logger.Error(ctx, "init syscall policy failed", zap.Error(err))
		return
	}

	var mgr *pool.Manager
	sup, err := supervisor.New(pol, func(id uint32) {
		if mgr != nil {
			mgr.MarkCrashed(id)
		}
	})
	if err != nil {
		logger.Error(ctx, "init supervisor failed", zap.Error(err))
		return
	}
	defer func() {
		_ = sup.Close()
	}()
	go func() {
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "supervisor stopped", zap.Error(err))
		}
	}()

	spawner := &worker.Spawner{
		BinPath:    cfg.WorkerBin,
		CgroupRoot: cfg.CgroupRoot,
		Policy:     cfg.Sandbox,
		Arena:      ar,
		Supervisor: sup,
	}
	mgr = pool.New(cfg.Pool, pool.SpawnerFunc(func(ctx context.Context, id uint32) (pool.Runner, error) {
		return spawner.Spawn(ctx, id)
	}), sup, ar)

	if err := mgr.Start(ctx); err != nil {
		logger.Error(ctx, "start pool failed", zap.Error(err))
		return
	}
	defer mgr.Stop()

	srv := server.New(cfg.SocketPath, mgr, ar)
	if err := srv.Listen(); err != nil {
		logger.Error(ctx, "bind socket failed", zap.Error(err))
		return
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()

	var admin *observe.AdminServer
	if cfg.Admin.Enabled {
		admin = observe.NewAdminServer(cfg.Admin.Addr, observe.NewRegistry(), func() map[string]interface{} {
			info := mgr.Status()
			return map[string]interface{}{
				"pool_size":         info.PoolSize,
				"healthy":           info.Healthy,
				"idle":              info.Idle,
				"busy":              info.Busy,
				"queue_depth":       info.QueueDepth,
				"slots_in_use":      info.SlotsInUse,
				"recycle_threshold": info.RecycleThreshold,
				"uptime_ms":         info.UptimeMS,
			}
		})
		go func() {
			if err := admin.Run(); err != nil {
				logger.Error(ctx, "admin server failed", zap.Error(err))
			}
		}()
	}

	logger.Info(ctx, "boxd ready",
		zap.String("socket", cfg.SocketPath),
		zap.Int("pool_size", cfg.Pool.Size))

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error(ctx, "server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	srv.Shutdown()
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "admin shutdown failed", zap.Error(err))
		}
	}
	mgr.Stop()
	logger.Info(ctx, "boxd stopped")
}
