package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phone-auth-service/internal/factory"
	"phone-auth-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Loads config, initializes the logger and opens every enabled client
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	for name, err := range f.HealthCheck(startupCtx) {
		util.Warn("Dependency unhealthy at startup", util.String("component", name), util.ErrorField(err))
	}
	if err := f.Seed(startupCtx); err != nil {
		cancel()
		util.Fatal("Failed to seed accounts", util.ErrorField(err))
	}
	cancel()

	f.StartSweeper()

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      f.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.String("storage_driver", cfg.Storage.Driver),
	)

	waitForShutdown(f, server)
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed")
		}
	}
	f.Close()
}
