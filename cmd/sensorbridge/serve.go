package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/sensorbridge/internal/api"
	"github.com/nugget/sensorbridge/internal/bridge"
	"github.com/nugget/sensorbridge/internal/buildinfo"
	"github.com/nugget/sensorbridge/internal/config"
	"github.com/nugget/sensorbridge/internal/events"
	"github.com/nugget/sensorbridge/internal/node"
)

// runServe handles the "serve" subcommand. It loads config, builds the
// fabric, node manager and sensor platform, starts the bridge on the
// configured domain and the diagnostics server, and blocks until a
// shutdown signal arrives.
//
// SIGHUP re-reads the config file and moves the bridge to its domain_id
// when it changed. The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The diagnostics server drains in-flight requests
//  3. The bridge stops its sensors, then its node
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting", "build", buildinfo.String())

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.domainID >= 0 {
		if err := bridge.ValidateDomain(opts.domainID); err != nil {
			return err
		}
		cfg.DomainID = opts.domainID
	}

	// Level was checked by Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"domain_id", cfg.DomainID,
		"fabric", cfg.Fabric.Kind,
		"encoding", cfg.Fabric.Encoding,
		"platform", cfg.Sensors.Platform,
		"port", cfg.Listen.Port,
	)

	bus := events.New()
	mw, err := newMiddleware(cfg, logger)
	if err != nil {
		return fmt.Errorf("create fabric: %w", err)
	}
	platform, err := newPlatform(cfg, logger)
	if err != nil {
		return fmt.Errorf("create sensor platform: %w", err)
	}
	regCfg, err := registryConfig(cfg, bus)
	if err != nil {
		return err
	}

	nodes := node.New(mw,
		node.WithName(cfg.Node.Name),
		node.WithLogger(logger),
		node.WithEvents(bus),
	)
	defer nodes.Close()

	br := bridge.New(nodes, platform, regCfg, logger)
	if err := br.Start(ctx, cfg.DomainID); err != nil {
		return err
	}
	defer br.Stop()

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				reloadDomain(ctx, br, cfgPath, logger)
			}
		}
	})

	if cfg.Listen.Port > 0 {
		server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, br, bus, logger)
		g.Go(func() error {
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	} else {
		logger.Info("diagnostics server disabled (listen.port is 0)")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	err = g.Wait()

	logger.Info("sensorbridge stopped")
	return err
}

// reloadDomain re-reads the config at path and moves the bridge to its
// domain_id. Errors leave the bridge where it was.
func reloadDomain(ctx context.Context, br *bridge.Bridge, path string, logger *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("config reload failed", "path", path, "error", err)
		return
	}
	if err := br.SetDomain(ctx, cfg.DomainID); err != nil {
		logger.Error("domain change failed", "domain_id", cfg.DomainID, "error", err)
		return
	}
	logger.Info("config reloaded", "path", path, "domain_id", cfg.DomainID)
}
