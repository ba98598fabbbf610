package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
)

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "server port (overrides server.port)")
	serveCmd.Flags().String("storage", "", "storage backend: memory, bolt or redis (overrides storage.backend)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API and the background tasks",
	Long: `Start the HTTP API together with the step scheduler, the container
reaper and the operation sweep. SIGINT or SIGTERM stops the tasks, runs a
final reap and drains in-flight requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Server.Port = port
		}
		if backend, _ := cmd.Flags().GetString("storage"); backend != "" {
			cfg.Storage.Backend = backend
		}

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := Build(ctx, cfg, clock.New())
		if err != nil {
			return err
		}

		common.Logger.WithFields(logrus.Fields{
			"address":  cfg.Server.Host,
			"port":     cfg.Server.Port,
			"storage":  cfg.Storage.Backend,
			"networks": len(cfg.Networks),
		}).Info("hutd starting")

		return svc.Run(ctx)
	},
}
