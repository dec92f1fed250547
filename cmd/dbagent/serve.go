//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trpc.group/trpc-go/trpc-dbagent-go/config"
	"trpc.group/trpc-go/trpc-dbagent-go/log"
	"trpc.group/trpc-go/trpc-dbagent-go/server/api"
	"trpc.group/trpc-go/trpc-dbagent-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-dbagent-go/telemetry/trace"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server.

The server exposes:
  POST /threads/start           begin a run on a new or existing thread
  POST /threads/resume          approve, revise or cancel a pending plan
  GET  /threads/{id}/stream     server-sent content-block updates
  GET  /threads/{id}/state      latest checkpoint
  GET  /threads/{id}/history    checkpoint history
  GET  /metrics                 Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "dbagent.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	log.SetFormat(cfg.Log.Format)
	log.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer func() {
		if err := cleanup.close(); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}()
	if err := startTelemetry(ctx, cfg.Telemetry, &cleanup); err != nil {
		return err
	}

	app, err := buildApp(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}
	handler := api.New(app.agent.Executor(),
		api.WithMessageStore(app.messages),
		api.WithCORSOrigins(cfg.Server.CORSOrigins...),
		api.WithPathPrefix(cfg.Server.PathPrefix),
	)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("dbagent listening on %s (model %s/%s)", cfg.Server.Addr, cfg.Model.Provider, cfg.Model.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Infof("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		// Detached runs keep writing checkpoints until they finish.
		done := make(chan struct{})
		go func() {
			handler.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Warnf("shutdown timeout reached with runs still active")
		}
		return nil
	})
	return g.Wait()
}

func startTelemetry(ctx context.Context, cfg config.TelemetryConfig, cleanup *closers) error {
	if cfg.Traces {
		opts := []trace.Option{trace.WithProtocol(cfg.Protocol)}
		if cfg.Endpoint != "" {
			opts = append(opts, trace.WithEndpoint(cfg.Endpoint))
		}
		if cfg.ServiceName != "" {
			opts = append(opts, trace.WithServiceName(cfg.ServiceName))
		}
		clean, err := trace.Start(ctx, opts...)
		if err != nil {
			return fmt.Errorf("start tracing: %w", err)
		}
		cleanup.add(clean)
	}
	if cfg.Metrics {
		var opts []metric.Option
		if cfg.Endpoint != "" {
			opts = append(opts, metric.WithEndpoint(cfg.Endpoint))
		}
		if cfg.ServiceName != "" {
			opts = append(opts, metric.WithServiceName(cfg.ServiceName))
		}
		clean, err := metric.Start(ctx, opts...)
		if err != nil {
			return fmt.Errorf("start metrics: %w", err)
		}
		cleanup.add(clean)
	}
	return nil
}

// closers runs cleanup functions in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c *closers) close() error {
	var errs []error
	for i := len(*c) - 1; i >= 0; i-- {
		if err := (*c)[i](); err != nil {
			errs = append(errs, err)
		}
	}
	*c = nil
	return errors.Join(errs...)
}
