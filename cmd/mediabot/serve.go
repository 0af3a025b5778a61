package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/akstspace/media-mgmt-agent/internal/api"
	"github.com/akstspace/media-mgmt-agent/internal/connwatch"
	"github.com/akstspace/media-mgmt-agent/internal/metrics"
)

// sweepInterval is how often idle sessions are expired.
const sweepInterval = time.Minute

func newServeCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			if port > 0 {
				a.cfg.Listen.Port = port
			}
			return a.runServe(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override listen.port")
	return cmd
}

func (a *app) runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := a.assemble()
	if err != nil {
		return err
	}
	defer rt.Close()

	m := metrics.New()
	consumed := m.Consume(ctx, rt.bus)
	defer func() { <-consumed }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.gate.RunSweeper(ctx, sweepInterval)
	}()
	defer wg.Wait()

	health := a.watch(ctx, rt)
	defer health.Stop()

	srv := api.NewServer(api.Config{
		Listen:  fmt.Sprintf("%s:%d", a.cfg.Listen.Address, a.cfg.Listen.Port),
		Gate:    rt.gate,
		Runner:  rt.loop,
		Catalog: rt.catalog,
		Metrics: m.Handler(),
		Events:  rt.bus,
		Health:  health,
		Logger:  a.logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		stop()
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}

// watch starts reachability probes for the LLM and for media servers
// whose URL is in the config. URLs kept only in the vault are unknown
// until a login, so those servers are not watched.
func (a *app) watch(ctx context.Context, rt *runtime) *connwatch.Manager {
	m := connwatch.NewManager(rt.bus, a.logger)
	schedule := connwatch.DefaultSchedule()
	m.Watch(ctx, "llm", rt.llm.Ping, schedule)
	if u := a.cfg.Movies.URL; u != "" {
		m.Watch(ctx, "radarr", connwatch.HTTPProbe(rt.downstream, strings.TrimRight(u, "/")+"/ping"), schedule)
	}
	if u := a.cfg.Series.URL; u != "" {
		m.Watch(ctx, "sonarr", connwatch.HTTPProbe(rt.downstream, strings.TrimRight(u, "/")+"/ping"), schedule)
	}
	return m
}
