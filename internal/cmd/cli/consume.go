package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scorego/sluice/internal/broker"
)

// NewConsumeCommand constructs the `consume` command.
func NewConsumeCommand() *cobra.Command {
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume records from a topic through a consumer group",
		Long: `Consume records and print them as JSON lines.

Records are acknowledged after printing unless --no-ack or --nack is set.
Use --no-ack to let the visibility timeout redeliver, or --nack to
exercise retry and dead-letter behavior. Use Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topicName, _ := cmd.Flags().GetString("topic")
			group, _ := cmd.Flags().GetString("group")
			consumerID, _ := cmd.Flags().GetString("consumer-id")
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			noAck, _ := cmd.Flags().GetBool("no-ack")
			nack, _ := cmd.Flags().GetBool("nack")
			nackDelayMs, _ := cmd.Flags().GetInt64("nack-delay-ms")
			visibilityMs, _ := cmd.Flags().GetInt64("visibility-ms")
			idleMs, _ := cmd.Flags().GetInt64("idle-ms")

			if noAck && nack {
				return fmt.Errorf("--no-ack and --nack are mutually exclusive")
			}

			return withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				sub, err := b.Subscribe(broker.SubscribeOptions{
					Topic:             topicName,
					Group:             group,
					ConsumerID:        consumerID,
					Filter:            filter,
					VisibilityTimeout: time.Duration(visibilityMs) * time.Millisecond,
				})
				if err != nil {
					return err
				}
				defer sub.Close()

				enc := json.NewEncoder(cmd.OutOrStdout())
				for n := 0; limit <= 0 || n < limit; n++ {
					fctx := ctx
					var cancel context.CancelFunc
					if idleMs > 0 {
						fctx, cancel = context.WithTimeout(ctx, time.Duration(idleMs)*time.Millisecond)
					}
					d, err := sub.Next(fctx)
					if cancel != nil {
						cancel()
					}
					if err != nil {
						// Idle expiry and Ctrl+C both end the loop normally.
						if ctx.Err() != nil || (idleMs > 0 && errors.Is(err, context.DeadlineExceeded)) {
							return nil
						}
						return err
					}
					_ = enc.Encode(recordOutput(d.Record))

					switch {
					case nack:
						if _, err := d.Nack(ctx, time.Duration(nackDelayMs)*time.Millisecond); err != nil {
							_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: nack failed: %v\n", err)
						}
					case !noAck:
						if _, err := d.Ack(ctx); err != nil {
							_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to auto-ack: %v\n", err)
						}
					}
				}
				return nil
			})
		},
	}
	consumeCmd.Flags().String("topic", "", "Topic name")
	consumeCmd.Flags().String("group", "cli", "Consumer group")
	consumeCmd.Flags().String("consumer-id", "", "Consumer ID (default: generated)")
	consumeCmd.Flags().String("filter", "", "CEL filter expression; non-matching records are auto-acked")
	consumeCmd.Flags().Int("limit", 0, "Stop after this many records (0 = no limit)")
	consumeCmd.Flags().Bool("no-ack", false, "Leave records leased; the visibility timeout redelivers them")
	consumeCmd.Flags().Bool("nack", false, "Negatively acknowledge each record")
	consumeCmd.Flags().Int64("nack-delay-ms", 0, "Requeue delay applied with --nack")
	consumeCmd.Flags().Int64("visibility-ms", 0, "Per-subscription visibility timeout override")
	consumeCmd.Flags().Int64("idle-ms", 0, "Exit after this long with no deliveries (0 = wait forever)")
	return consumeCmd
}
