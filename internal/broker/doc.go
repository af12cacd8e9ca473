// Package broker assembles the storage, dispatch, visibility, and retry
// layers into the embeddable message broker: durable topic partitions with
// gapless offsets, consumer groups with leased at-least-once delivery, and
// dead-letter hand-off once a record exhausts its attempts.
package broker
