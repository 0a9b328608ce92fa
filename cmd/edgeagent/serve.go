package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"edgeagent/internal/agent"
	"edgeagent/internal/push"
)

func runServe(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}

	deps := agent.Deps{Logger: log}
	if cfg.Views.OpenCommand != "" {
		deps.Open = agent.CommandOpener(cfg.Views.OpenCommand)
	}
	if cfg.Push.NATS.URL != "" {
		ps, err := push.Connect(cfg.Push.NATS.URL, push.Options{
			SubjectPrefix: cfg.Push.NATS.SubjectPrefix,
			EndpointBase:  cfg.Push.EndpointBase,
		})
		if err != nil {
			return err
		}
		defer ps.Close()
		deps.Push = ps
		log.Info("push service connected", "url", cfg.Push.NATS.URL)
	}

	svc, err := agent.NewService(cfg, deps)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	if c.BoolT("watch") {
		go func() {
			if err := svc.WatchConfig(ctx, configPath(c)); err != nil {
				log.Error("config watch stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("edgeagent listening", "addr", addr, "origin", cfg.Server.Origin, "version", cfg.Version)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}
