package visibility

import (
	"context"

	"github.com/cockroachdb/pebble"

	"github.com/scorego/sluice/pkg/log"
)

// RecoverLeases routes every persisted lease through the retry manager.
// Run once at startup, before serving consumers: in-flight records from
// the previous process count a delivery attempt and re-enter dispatch (or
// dead-letter) instead of staying invisible forever. Returns the number
// routed.
func (t *Tracker) RecoverLeases(ctx context.Context) (int, error) {
	low, hi := allLeaseBounds()
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	var refs []Ref
	for ok := iter.First(); ok; ok = iter.Next() {
		ref, ok2 := parseRef(iter.Key()[len(leasePrefix):])
		if !ok2 {
			t.logger.Warn("skipping unparseable lease key", log.Str("key", string(iter.Key())))
			continue
		}
		refs = append(refs, ref)
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	routed := 0
	for _, ref := range refs {
		if err := t.redeliverer.Redeliver(ctx, ref, 0, ReasonRecover); err != nil {
			return routed, err
		}
		routed++
	}
	if routed > 0 {
		t.logger.Info("recovered in-flight leases", log.Int("count", routed))
	}
	return routed, nil
}
