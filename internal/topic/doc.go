// Package topic keeps the durable topic catalog: named topics with a fixed
// partition count and per-topic delivery settings (visibility timeout,
// delivery attempt bound, dead-letter target, retention). The registry also
// owns topic deletion, including the force-drain of all per-topic state.
package topic
