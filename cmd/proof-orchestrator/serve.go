package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"proof-orchestrator/internal/app"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, actors and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)
			if cfg.Server.GinMode != "" {
				gin.SetMode(cfg.Server.GinMode)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			container, err := app.NewServiceContainer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if err := container.Start(ctx); err != nil {
				container.Shutdown()
				return err
			}

			srv := &http.Server{
				Addr:              cfg.Server.Addr(),
				Handler:           container.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Printf("🚀 Server listening on %s", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				log.Println("🛑 Shutdown signal received")
			case err := <-errCh:
				if err != nil {
					container.Shutdown()
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("⚠️ HTTP server shutdown: %v", err)
			}
			container.Shutdown()
			return nil
		},
	}
}
