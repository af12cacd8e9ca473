package cli

import (
	"github.com/spf13/cobra"

	"github.com/scorego/sluice/internal/bench"
	"github.com/scorego/sluice/internal/broker"
	"github.com/scorego/sluice/internal/metrics"
)

// NewBenchCommand constructs the `bench` command.
func NewBenchCommand() *cobra.Command {
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run an in-process publish/consume benchmark",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topicName, _ := cmd.Flags().GetString("topic")
			partitions, _ := cmd.Flags().GetInt("partitions")
			records, _ := cmd.Flags().GetInt("records")
			payloadBytes, _ := cmd.Flags().GetInt("payload-bytes")
			publishers, _ := cmd.Flags().GetInt("publishers")
			consumers, _ := cmd.Flags().GetInt("consumers")
			keys, _ := cmd.Flags().GetInt("keys")
			metricsAddr, _ := cmd.Flags().GetString("metrics")
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, logger, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				srv := metrics.StartExporter(metricsAddr, logger)
				defer func() { _ = srv.Close() }()
			}

			b, err := broker.Open(cmd.Context(), broker.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			res, err := bench.Run(cmd.Context(), b, bench.Options{
				Topic:        topicName,
				Partitions:   partitions,
				Records:      records,
				PayloadBytes: payloadBytes,
				Publishers:   publishers,
				Consumers:    consumers,
				Keys:         keys,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			res.PrintSummaryTo(cmd.OutOrStdout())
			return nil
		},
	}
	benchCmd.Flags().String("topic", "bench", "Topic name")
	benchCmd.Flags().Int("partitions", 0, "Partition count when the topic is created here (0 = broker default)")
	benchCmd.Flags().Int("records", 10_000, "Records to publish")
	benchCmd.Flags().Int("payload-bytes", 128, "Payload size per record")
	benchCmd.Flags().Int("publishers", 1, "Publisher goroutines")
	benchCmd.Flags().Int("consumers", 1, "Consumer goroutines in one group")
	benchCmd.Flags().Int("keys", 0, "Distinct partition keys (0 = keyless round-robin)")
	benchCmd.Flags().String("metrics", "", "Serve Prometheus metrics on this address during the run")
	benchCmd.Flags().Bool("json", false, "Print the result as JSON instead of a summary")
	return benchCmd
}
