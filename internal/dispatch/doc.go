// Package dispatch decides where records go and who consumes them: the
// partition router for publishes, and the consumer-group coordinator that
// assigns partitions to live members with revoke-then-assign handover.
package dispatch
