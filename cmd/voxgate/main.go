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

	"github.com/voxgate-io/voxgate/internal/dotenv"
	"github.com/voxgate-io/voxgate/pkg/bridge/config"
	bridgeserver "github.com/voxgate-io/voxgate/pkg/bridge/server"
)

type engineDeps struct {
	loadConfig   func() (config.Config, error)
	newServer    func(config.Config, *slog.Logger) *bridgeserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultEngineDeps() engineDeps {
	return engineDeps{
		loadConfig: config.LoadFromEnv,
		newServer:  bridgeserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runEngine(ctx context.Context, logger *slog.Logger, deps engineDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newServer == nil {
		return errors.New("missing newServer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv := deps.newServer(cfg, logger)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting engine",
		"http_addr", cfg.HTTPAddr,
		"relay_addr", cfg.RelayAddr,
		"default_context", cfg.DefaultContext)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()
	relayErrCh := make(chan error, 1)
	go func() {
		err := srv.ServeRelay(relayCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			relayErrCh <- err
			return
		}
		relayErrCh <- nil
	}()

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case err := <-relayErrCh:
		if err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining()
	relayCancel()
	srv.HangupCalls("the service is restarting")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.WaitCalls(waitCtx) {
		n := srv.CancelCalls()
		logger.Warn("grace period expired", "canceled_calls", n)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve http: %w", err)
	}

	logger.Info("engine stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps engineDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voxgate: %v\n", err)
		return 1
	}

	if err := runEngine(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voxgate: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultEngineDeps()))
}
