package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/api"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.HTTPListen = listenAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		server := &http.Server{
			Addr:              cfg.HTTPListen,
			Handler:           api.SetupRouter(a.service, a.log),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			a.log.WithFields(logger.Fields{"listen": cfg.HTTPListen}).Info("http server starting")
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return apperrors.Wrap(err, apperrors.KindInternal, apperrors.CodeUnexpected,
					"http server failed")
			}
		case <-ctx.Done():
			a.log.Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.log.WithError(err).Warn("forced shutdown")
			}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides http.listen)")
	rootCmd.AddCommand(serveCmd)
}
