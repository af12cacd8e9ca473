package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scorego/sluice/internal/broker"
	"github.com/scorego/sluice/internal/topic"
)

// NewTopicCommand constructs the `topic` command group and subcommands.
func NewTopicCommand() *cobra.Command {
	topicCmd := &cobra.Command{
		Use:   "topic",
		Short: "Topic operations (create, list, stat, delete)",
	}
	topicCmd.AddCommand(
		newTopicCreateCommand(),
		newTopicListCommand(),
		newTopicStatCommand(),
		newTopicDeleteCommand(),
	)
	return topicCmd
}

// newTopicCreateCommand constructs the `topic create` subcommand.
func newTopicCreateCommand() *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			partitions, _ := cmd.Flags().GetInt("partitions")
			visibilityMs, _ := cmd.Flags().GetInt64("visibility-ms")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			dlq, _ := cmd.Flags().GetString("dlq")
			retentionAgeMs, _ := cmd.Flags().GetInt64("retention-age-ms")
			retentionMaxBytes, _ := cmd.Flags().GetInt64("retention-max-bytes")

			return withBroker(cmd, func(_ context.Context, b *broker.Broker) error {
				tp, err := b.CreateTopic(name, topic.Config{
					Partitions:          partitions,
					VisibilityTimeoutMs: visibilityMs,
					MaxDeliveryAttempts: maxAttempts,
					DLQTopic:            dlq,
					RetentionAgeMs:      retentionAgeMs,
					RetentionMaxBytes:   retentionMaxBytes,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tp)
			})
		},
	}
	createCmd.Flags().String("name", "", "Topic name")
	createCmd.Flags().Int("partitions", 0, "Partition count (0 = broker default)")
	createCmd.Flags().Int64("visibility-ms", 0, "Visibility timeout in ms (0 = broker default)")
	createCmd.Flags().Int("max-attempts", 0, "Max delivery attempts before dead-letter (0 = unlimited)")
	createCmd.Flags().String("dlq", "", "Dead-letter topic name (optional)")
	createCmd.Flags().Int64("retention-age-ms", 0, "Trim records older than this (0 = keep)")
	createCmd.Flags().Int64("retention-max-bytes", 0, "Trim a partition above this size (0 = keep)")
	return createCmd
}

// newTopicListCommand constructs the `topic list` subcommand.
func newTopicListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBroker(cmd, func(_ context.Context, b *broker.Broker) error {
				return printJSON(cmd.OutOrStdout(), b.ListTopics())
			})
		},
	}
}

// newTopicStatCommand constructs the `topic stat` subcommand.
func newTopicStatCommand() *cobra.Command {
	statCmd := &cobra.Command{
		Use:   "stat",
		Short: "Show per-partition offsets and per-group backlog for a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			return withBroker(cmd, func(_ context.Context, b *broker.Broker) error {
				st, err := b.Stats(name)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	statCmd.Flags().String("name", "", "Topic name")
	return statCmd
}

// newTopicDeleteCommand constructs the `topic delete` subcommand.
func newTopicDeleteCommand() *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a topic",
		Long: `Delete a topic and its records.

Without --force the delete fails if the topic still holds records or
consumer state.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			force, _ := cmd.Flags().GetBool("force")
			return withBroker(cmd, func(_ context.Context, b *broker.Broker) error {
				if err := b.DeleteTopic(name, force); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
				return nil
			})
		},
	}
	deleteCmd.Flags().String("name", "", "Topic name")
	deleteCmd.Flags().Bool("force", false, "Delete even when records or consumer state remain")
	return deleteCmd
}
