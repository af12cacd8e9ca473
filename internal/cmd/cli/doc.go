// Package cli provides the `sluice` command-line interface.
//
// The CLI embeds the broker and operates directly on a local data
// directory. Every invocation opens the directory, performs its
// operation, and closes it again; the directory is locked while a
// command runs, so only one sluice process can use it at a time.
//
// Installation
//
//	go install github.com/scorego/sluice/cmd/sluice@latest
//
// # Data directory configuration
//
// The directory is resolved from --data-dir, then SLUICE_DATA_DIR, then
// an OS-specific application data directory. A config file (JSON or
// YAML) can be supplied with --config; SLUICE_* environment variables
// overlay it, and flags win over both.
//
// Usage
//
//	sluice topic create --name orders --partitions 4 \
//	    --visibility-ms 30000 --max-attempts 5 --dlq orders-dlq
//
//	sluice publish --topic orders --key cust-42 \
//	    --data '{"amount":99}' \
//	    --header eventType=order.created \
//	    --id order-7781    # idempotent republish
//
//	sluice topic stat --name orders
//
//	# Consume through a group; auto-acks after printing
//	sluice consume --topic orders --group billing --limit 10
//
//	# Exercise retry/DLQ behavior
//	sluice consume --topic orders --group billing --nack --limit 5
//	sluice dlq list --topic orders
//	sluice dlq replay --topic orders
//
//	# Filter with CEL; non-matching records are auto-acked
//	sluice consume --topic orders --group audit \
//	    --filter 'headers["eventType"] == "order.created"'
//
//	sluice bench --records 100000 --publishers 4 --consumers 4
//
// Notes
//
//   - consume runs until Ctrl+C unless --limit or --idle-ms bounds it.
//     Records print as JSON lines with the payload decoded as
//     payload_json, payload_text, or payload_b64, whichever fits.
//   - publish accepts repeated --header key=value flags or a single
//     --header-json with a JSON object to populate record headers.
//   - topic delete refuses to drop a topic holding records or consumer
//     state unless --force is given.
package cli
