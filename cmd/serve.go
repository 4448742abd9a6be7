package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arbiter-ai/arbiter/internal/api"
	"github.com/arbiter-ai/arbiter/internal/daemon"
	"github.com/arbiter-ai/arbiter/internal/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the arbiter HTTP server",
	Long: `Start the HTTP server that hosts the recovery protocol API.

The server also runs the stale-session reaper in the background: sessions
idle past the inactivity threshold are failed with a timeout entry in
their transcript.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().String("pid-file", "", "write the server PID to this file")
	viper.SetDefault("port", 8080)
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("pid_file", serveCmd.Flags().Lookup("pid-file"))
}

func serveRun(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	svc, s, err := newService(logger)
	if err != nil {
		return err
	}

	if pidPath := viper.GetString("pid_file"); pidPath != "" {
		pf := daemon.NewPIDFile(pidPath)
		if err := pf.Write(); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = pf.Remove() }()
	}

	server := api.NewServer(s, registry.New(s), svc, newLLMClient(), logger)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	// Background reaper
	go svc.Reaper().Run(ctx, viper.GetDuration("reaper.interval"), svc.InactivityThreshold())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("arbiter listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
