package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"localinfer/internal/config"
	"localinfer/internal/httpapi"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	var (
		addr            string
		corsOrigins     string
		maxBodyBytes    int64
		generateTimeout time.Duration
		preload         string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the model API on a loopback address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, log, err := o.build(nil)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Addr
			}
			ctx := cmd.Context()

			httpapi.SetLogger(log)
			httpapi.SetBaseContext(ctx)
			httpapi.SetMaxBodyBytes(maxBodyBytes)
			httpapi.SetGenerateTimeout(generateTimeout)
			if origins := splitCSV(corsOrigins); len(origins) > 0 {
				httpapi.SetCORSOptions(true, origins, nil, nil)
			}

			// bootstrap can take minutes; /readyz reports progress meanwhile
			go func() {
				if err := svc.Initialize(ctx); err != nil {
					return
				}
				if preload == "" {
					return
				}
				if _, err := svc.LoadModel(ctx, preload); err != nil {
					log.Error().Err(err).Str("model", preload).Msg("preload failed")
				}
			}()

			srv := &http.Server{
				Addr:              addr,
				Handler:           httpapi.NewMux(svc),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Str("backend", cfg.Backend).Str("cache_dir", cfg.CacheDir).Msg("localinfer listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}

			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown error")
			}
			if err := svc.Close(sctx); err != nil {
				log.Warn().Err(err).Msg("service close")
			}
			return serveErr
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "Listen address (overrides config addr, default "+config.DefaultAddr+")")
	f.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated origins allowed by CORS (disabled when empty)")
	f.Int64Var(&maxBodyBytes, "max-body-bytes", 1<<20, "Maximum JSON request body size")
	f.DurationVar(&generateTimeout, "generate-timeout", 0, "Deadline for a /generate request (0 = none)")
	f.StringVar(&preload, "model", "", "Model to load at startup")
	return cmd
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
