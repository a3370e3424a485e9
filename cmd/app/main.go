package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"connector_go/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(configPath()); err != nil {
		slog.Error("bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Debug sidecar: pprof + prometheus metrics, localhost only.
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(bootstrap.Registry, promhttp.HandlerOpts{}))
		slog.Info("debug server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("debug server failed", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.RestoreOrders(ctx); err != nil {
		slog.Error("order restore failed", slog.Any("error", err))
		os.Exit(1)
	}

	bootstrap.Facade.Start(ctx)
	slog.Info("connector started", "venue", bootstrap.Config.Venue.Name)

	go bootstrap.PersistEvents(ctx)

	<-ctx.Done()
	slog.Info("shutting down")
	bootstrap.Facade.Stop()
	bootstrap.OrderStore.Close()
}

func configPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return "configs/config.yaml"
}
