package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"inferd/internal/httpapi"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr        string
		corsOrigins string
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Load the model and serve the HTTP API",
		Example: "  inferd serve --model ~/models/llm/tinyllama.Q4_K_M.gguf --addr :8080",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Addr = addr
			}
			if corsOrigins != "" {
				a.cfg.HTTP.CORSEnabled = true
				a.cfg.HTTP.CORSOrigins = splitCSV(corsOrigins)
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envStr("INFERD_ADDR", ""), "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma separated allowed CORS origins; enables CORS")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := a.newService(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close service")
		}
	}()

	httpapi.SetLogger(a.log)
	httpapi.SetDefaultLogLevel(a.cfg.LogLevel)
	httpapi.SetMaxBodyBytes(a.cfg.HTTP.MaxBodyBytes)
	httpapi.SetGenerateTimeoutSeconds(a.cfg.HTTP.RequestTimeoutSecs)
	httpapi.SetCORSOptions(a.cfg.HTTP.CORSEnabled, a.cfg.HTTP.CORSOrigins, nil, nil)
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.Addr).Str("model", a.cfg.Model.Source).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	a.log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.HTTP.ShutdownSecs)*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown")
	}
	return nil
}
