package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeeves-sh/jeeves/internal/metrics"
	"github.com/jeeves-sh/jeeves/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the viewer and API server",
		Long: `Serve the HTTP API, the SSE event stream, and the viewer UI until
interrupted. Runs started over the API execute inside this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := metrics.New()
			eng, err := openEngine(m)
			if err != nil {
				return err
			}
			defer eng.Close()

			if addr == "" {
				addr = eng.cfg.Addr
			}
			srv, err := server.New(server.Options{
				Addr:    addr,
				Service: eng.svc,
				Hub:     eng.hub,
				Store:   eng.store,
				Runs:    eng.core.Runs(),
				Metrics: m,
				Logger:  eng.logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
