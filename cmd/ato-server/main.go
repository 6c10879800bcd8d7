// Program ato-server is the WebSocket gateway. It accepts client
// connections and hands each execution request to an ato-sandbox child
// process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/attempt-this-online/attempt-this-online/gateway"
	"github.com/attempt-this-online/attempt-this-online/logging"
)

const defaultBindAddress = "127.0.0.1:8500"

var (
	address     string
	sandboxPath string
)

func main() {
	logging.Init()

	rootCmd := &cobra.Command{
		Use:   "ato-server",
		Short: "WebSocket gateway for sandboxed code execution",
		RunE:  runServer,
	}

	rootCmd.PersistentFlags().StringVar(&address, "addr", bindAddress(), "Bind address")
	rootCmd.PersistentFlags().StringVar(&sandboxPath, "sandbox", sandboxBinaryPath(), "Path to the sandbox supervisor binary")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bindAddress() string {
	if addr := os.Getenv("ATO_BIND"); addr != "" {
		return addr
	}
	return defaultBindAddress
}

func sandboxBinaryPath() string {
	if p := os.Getenv("ATO_SANDBOX_PATH"); p != "" {
		return p
	}
	return gateway.DefaultSandboxPath
}

func runServer(cmd *cobra.Command, args []string) error {
	g := gateway.New(sandboxPath)

	srv := &http.Server{
		Addr:    address,
		Handler: g.Routes(),
	}

	// Shut down on SIGINT/SIGTERM. In-flight requests are bounded by the
	// request timeout, so give them a moment to finish.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("shutdown did not complete cleanly", "error", err)
		}
	}()

	slog.Info("starting server", "addr", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}
