package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/norm-structurer/internal/config"
	"github.com/sells-group/norm-structurer/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve replay, cache inspection and failure triage over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, configFrom(cmd), config.ModeServe, envParts{Queue: true, Cache: true, Failures: true})
		if err != nil {
			return err
		}
		defer env.Close()

		svc, err := newReplay(env)
		if err != nil {
			return err
		}
		srv, err := server.New(svc, env.Cache, env.Failures, server.Options{
			AllowedOrigins: env.Config.Server.AllowedOrigins,
			Metrics:        env.Metrics,
			Logger:         env.Logger,
		})
		if err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = env.Config.Server.Port
		}
		return srv.ListenAndServe(ctx, port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
