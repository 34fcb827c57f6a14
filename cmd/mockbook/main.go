package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/dobby-dex/dobby/internal/config"
	"github.com/dobby-dex/dobby/internal/logging"
	"github.com/dobby-dex/dobby/internal/mockbook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mockbook: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	store := mockbook.NewStore(cfg.Mock.DataFile)
	mux := http.NewServeMux()
	mockbook.NewHandler(store, log).Register(mux)

	srv := &http.Server{Addr: cfg.Mock.Addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Info("mock book listening",
			zap.String("addr", cfg.Mock.Addr),
			zap.String("data_file", cfg.Mock.DataFile))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("mock book shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
