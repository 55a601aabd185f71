package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fieldtrials/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()
			if addr == "" {
				addr = a.cfg.HTTPAddr
			}
			logger := log.Logger
			server := &http.Server{
				Addr:              addr,
				Handler:           httpapi.NewRouter(a.svc, httpapi.Options{Gatherer: a.registry, Logger: &logger}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serve(cmd.Context(), server)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $FIELDTRIALS_HTTP_ADDR or :8080)")
	return cmd
}

// serve runs server until ctx is cancelled, then drains open requests.
func serve(ctx context.Context, server *http.Server) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("http server shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
