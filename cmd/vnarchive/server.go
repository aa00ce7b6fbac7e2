package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/vnarchive/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := cmdContext()
		defer cancel()

		srv := &http.Server{
			Addr:    cfg.Server.Addr,
			Handler: api.NewHandler(api.Deps{Store: store}),
			BaseContext: func(_ net.Listener) context.Context {
				return ctx
			},
		}

		errCh := make(chan error, 1)
		go func() {
			fmt.Fprintf(os.Stderr, "vnarchive %s listening on %s\n", version, cfg.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "shutting down...")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	},
}
