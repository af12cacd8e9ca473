package metrics

import (
	"time"

	pebblestore "github.com/scorego/sluice/internal/storage/pebble"
)

// StorageHook feeds storage latencies into the Prometheus histograms.
type StorageHook struct{}

var _ pebblestore.MetricsHook = StorageHook{}

func (StorageHook) ObserveRead(elapsed time.Duration, _ int) {
	StorageReadLatency.Observe(elapsed.Seconds())
}

func (StorageHook) ObserveCommit(elapsed time.Duration, _ int) {
	StorageCommitLatency.Observe(elapsed.Seconds())
}
