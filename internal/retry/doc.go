// Package retry decides the fate of records whose delivery failed: requeue
// with the attempt count persisted, or hand off to the dead-letter appender
// once the topic's attempt limit is exhausted.
package retry
