package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/scorego/sluice/internal/broker"
)

// NewPublishCommand constructs the `publish` command.
func NewPublishCommand() *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a record to a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			topicName, _ := cmd.Flags().GetString("topic")
			data, _ := cmd.Flags().GetString("data")
			dataFile, _ := cmd.Flags().GetString("data-file")
			key, _ := cmd.Flags().GetString("key")
			id, _ := cmd.Flags().GetString("id")
			rawHeaders, _ := cmd.Flags().GetStringArray("header")
			headersJSON, _ := cmd.Flags().GetString("header-json")

			headers, err := parseHeaders(rawHeaders, headersJSON)
			if err != nil {
				return err
			}

			payload := []byte(data)
			if dataFile != "" {
				if data != "" {
					return fmt.Errorf("--data and --data-file are mutually exclusive")
				}
				payload, err = readPayload(dataFile, cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			return withBroker(cmd, func(ctx context.Context, b *broker.Broker) error {
				res, err := b.Publish(ctx, topicName, broker.PublishRecord{
					Key:     key,
					ID:      id,
					Headers: headers,
					Payload: payload,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	publishCmd.Flags().String("topic", "", "Topic name")
	publishCmd.Flags().String("data", "", "Payload data")
	publishCmd.Flags().String("data-file", "", "Read payload from file, '-' for stdin")
	publishCmd.Flags().String("key", "", "Partitioning key (optional)")
	publishCmd.Flags().String("id", "", "Record ID for idempotent publish (optional)")
	publishCmd.Flags().StringArray("header", []string{}, "Record header key=value (repeat)")
	publishCmd.Flags().String("header-json", "", "Headers as JSON object")
	return publishCmd
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
