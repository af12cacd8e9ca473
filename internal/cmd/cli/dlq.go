package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scorego/sluice/internal/broker"
	"github.com/scorego/sluice/internal/topic"
)

// NewDLQCommand constructs the `dlq` command group and subcommands.
func NewDLQCommand() *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue operations (list, replay)",
	}
	dlqCmd.AddCommand(
		newDLQListCommand(),
		newDLQReplayCommand(),
	)
	return dlqCmd
}

// newDLQListCommand constructs the `dlq list` subcommand.
func newDLQListCommand() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered records for a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topicName, _ := cmd.Flags().GetString("topic")
			limit, _ := cmd.Flags().GetInt("limit")

			return withBroker(cmd, func(_ context.Context, b *broker.Broker) error {
				tp, err := b.GetTopic(topicName)
				if err != nil {
					return err
				}
				if tp.Config.DLQTopic == "" {
					return fmt.Errorf("topic %q has no dead-letter topic", topicName)
				}
				st, err := b.Stats(tp.Config.DLQTopic)
				if errors.Is(err, topic.ErrNotFound) {
					// The DLQ topic is created on first dead letter.
					return nil
				}
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				printed := 0
				for _, p := range st.Partitions {
					if limit > 0 && printed >= limit {
						break
					}
					per := 0
					if limit > 0 {
						per = limit - printed
					}
					recs, err := b.Peek(tp.Config.DLQTopic, p.Partition, p.FirstOffset, per)
					if err != nil {
						return err
					}
					for _, r := range recs {
						_ = enc.Encode(recordOutput(r))
						printed++
					}
				}
				return nil
			})
		},
	}
	listCmd.Flags().String("topic", "", "Origin topic name")
	listCmd.Flags().Int("limit", 50, "Stop after this many records (0 = all)")
	return listCmd
}

// newDLQReplayCommand constructs the `dlq replay` subcommand.
func newDLQReplayCommand() *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Publish dead-lettered records back to their origin topic",
		Long: `Publish dead-lettered records back to the topic each one failed on.

Replay progress is durable: running replay again only picks up dead
letters that arrived since the last run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topicName, _ := cmd.Flags().GetString("topic")
			limit, _ := cmd.Flags().GetInt("limit")

			return withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				n, err := b.ReplayDeadLetters(ctx, topicName, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"replayed": n})
			})
		},
	}
	replayCmd.Flags().String("topic", "", "Origin topic name")
	replayCmd.Flags().Int("limit", 0, "Stop after this many records (0 = all)")
	return replayCmd
}
