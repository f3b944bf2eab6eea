package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gateway/internal/app"
	"gateway/internal/config"
	"gateway/internal/convert"
	"gateway/internal/logging"
	"gateway/internal/storage/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "gatewayd",
		Short:        "IoT protocol gateway",
		Long:         "gatewayd receives device messages, keeps them in a durable local queue and forwards them upstream.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "gateway.yaml", "path to config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			ephemeral, _ := cmd.Flags().GetBool("ephemeral")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("gateway starting",
				zap.String("name", cfg.Gateway.Name),
				zap.Bool("socket", cfg.Ingest.Socket.Enabled),
				zap.Bool("kafka", cfg.Ingest.Kafka.Enabled),
				zap.Bool("rabbitmq", cfg.Ingest.RabbitMQ.Enabled),
				zap.String("uplink", cfg.Uplink.Sink))
			return app.Run(ctx, cfg, log, app.Options{Ephemeral: ephemeral, Registry: convert.NewRegistry()})
		},
	}
	runCmd.Flags().Bool("ephemeral", false, "keep the queue in memory instead of on disk")
	rootCmd.AddCommand(runCmd)

	segmentsCmd := &cobra.Command{
		Use:   "segments",
		Short: "List queue segment files with their record counts",
		Long:  "List queue segment files. Run it only while the gateway is stopped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			infos, err := sqlite.Inspect(cmd.Context(), cfg.Storage, log)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEGMENT\tRECORDS\tBYTES")
			var total int64
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%d\t%d\n", info.Name, info.Records, info.Bytes)
				total += info.Records
			}
			fmt.Fprintf(w, "total\t%d\t\n", total)
			return w.Flush()
		},
	}
	rootCmd.AddCommand(segmentsCmd)

	convertersCmd := &cobra.Command{
		Use:   "converters",
		Short: "List available payload converters",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range convert.NewRegistry().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
	rootCmd.AddCommand(convertersCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func load(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log.With(zap.String("gateway", cfg.Gateway.Name)), nil
}
