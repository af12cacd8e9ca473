// Package bench runs an in-process publish/consume benchmark against an
// open broker. Publishers and consumers run concurrently; delivery
// latency is measured from the enqueue timestamp each record carries.
package bench

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scorego/sluice/internal/broker"
	"github.com/scorego/sluice/internal/topic"
)

const sep = "========================================"

// Options configure one benchmark run.
type Options struct {
	Topic        string
	Partitions   int
	Records      int
	PayloadBytes int
	Publishers   int
	Consumers    int
	Group        string
	// Keys is the number of distinct partition keys spread across the
	// records. 0 publishes keyless (round-robin).
	Keys int
}

func (o *Options) normalize() {
	if o.Topic == "" {
		o.Topic = "bench"
	}
	if o.Records <= 0 {
		o.Records = 10_000
	}
	if o.PayloadBytes <= 0 {
		o.PayloadBytes = 128
	}
	if o.Publishers <= 0 {
		o.Publishers = 1
	}
	if o.Consumers <= 0 {
		o.Consumers = 1
	}
	if o.Group == "" {
		o.Group = "bench"
	}
}

// Result is the outcome of one run.
type Result struct {
	Records        int           `json:"records"`
	Duplicates     int64         `json:"duplicates"`
	Redeliveries   int64         `json:"redeliveries"`
	PublishElapsed time.Duration `json:"publishElapsedNs"`
	ConsumeElapsed time.Duration `json:"consumeElapsedNs"`
	PublishPerSec  float64       `json:"publishPerSec"`
	ConsumePerSec  float64       `json:"consumePerSec"`
	DeliveryP50    time.Duration `json:"deliveryP50Ns"`
	DeliveryP95    time.Duration `json:"deliveryP95Ns"`
	DeliveryP99    time.Duration `json:"deliveryP99Ns"`
}

const publishBatchSize = 128

// Run publishes opts.Records to opts.Topic while opts.Consumers drain it
// through one group, acking everything. It returns once every record has
// been consumed or ctx is cancelled.
func Run(ctx context.Context, b *broker.Broker, opts Options) (Result, error) {
	opts.normalize()

	if _, err := b.EnsureTopic(opts.Topic, topic.Config{Partitions: opts.Partitions}); err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		consumed     atomic.Int64
		duplicates   atomic.Int64
		redelivered  atomic.Int64
		firstDeliver atomic.Int64 // unix nanos of the first delivery
		lastDeliver  atomic.Int64 // unix nanos of the final delivery
		errOnce      sync.Once
		runErr       error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancel()
	}

	latCh := make(chan time.Duration, 1024)
	latDone := make(chan struct{})
	latencies := make([]time.Duration, 0, opts.Records)
	go func() {
		defer close(latDone)
		for d := range latCh {
			latencies = append(latencies, d)
		}
	}()

	total := int64(opts.Records)
	var consumerWG sync.WaitGroup
	for c := 0; c < opts.Consumers; c++ {
		sub, err := b.Subscribe(broker.SubscribeOptions{
			Topic:      opts.Topic,
			Group:      opts.Group,
			ConsumerID: fmt.Sprintf("bench-%d", c),
		})
		if err != nil {
			cancel()
			consumerWG.Wait()
			close(latCh)
			<-latDone
			return Result{}, err
		}
		consumerWG.Add(1)
		go func(sub *broker.Subscription) {
			defer consumerWG.Done()
			defer sub.Close()
			for {
				d, err := sub.Next(runCtx)
				if err != nil {
					if runCtx.Err() != nil {
						return
					}
					fail(err)
					return
				}
				now := time.Now()
				firstDeliver.CompareAndSwap(0, now.UnixNano())
				if d.Record.Attempts > 0 {
					redelivered.Add(1)
				}
				latCh <- time.Duration(now.UnixMilli()-d.Record.EnqueuedAtMs) * time.Millisecond
				if _, err := d.Ack(runCtx); err != nil {
					fail(err)
					return
				}
				if n := consumed.Add(1); n >= total {
					lastDeliver.Store(now.UnixNano())
					cancel()
					return
				}
			}
		}(sub)
	}

	payload := make([]byte, opts.PayloadBytes)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	publishStart := time.Now()
	var publisherWG sync.WaitGroup
	per := opts.Records / opts.Publishers
	for p := 0; p < opts.Publishers; p++ {
		lo := p * per
		hi := lo + per
		if p == opts.Publishers-1 {
			hi = opts.Records
		}
		publisherWG.Add(1)
		go func(lo, hi int) {
			defer publisherWG.Done()
			batch := make([]broker.PublishRecord, 0, publishBatchSize)
			flush := func() {
				if len(batch) == 0 {
					return
				}
				results, err := b.PublishBatch(runCtx, opts.Topic, batch)
				if err != nil {
					// Errors after cancellation are attributed to the cancel;
					// a real failure reached fail() with the context live.
					if runCtx.Err() == nil {
						fail(err)
					}
					return
				}
				for _, r := range results {
					if r.Duplicate {
						duplicates.Add(1)
					}
				}
				batch = batch[:0]
			}
			for i := lo; i < hi; i++ {
				rec := broker.PublishRecord{Payload: payload}
				if opts.Keys > 0 {
					rec.Key = fmt.Sprintf("k-%d", i%opts.Keys)
				}
				batch = append(batch, rec)
				if len(batch) == publishBatchSize {
					flush()
					if runCtx.Err() != nil {
						return
					}
				}
			}
			flush()
		}(lo, hi)
	}
	publisherWG.Wait()
	publishElapsed := time.Since(publishStart)

	consumerWG.Wait()
	close(latCh)
	<-latDone

	if runErr != nil {
		return Result{}, runErr
	}
	if ctx.Err() != nil && consumed.Load() < total {
		return Result{}, ctx.Err()
	}

	res := Result{
		Records:        opts.Records,
		Duplicates:     duplicates.Load(),
		Redeliveries:   redelivered.Load(),
		PublishElapsed: publishElapsed,
	}
	if s := publishElapsed.Seconds(); s > 0 {
		res.PublishPerSec = float64(opts.Records) / s
	}
	if first, last := firstDeliver.Load(), lastDeliver.Load(); first > 0 && last > first {
		res.ConsumeElapsed = time.Duration(last - first)
		res.ConsumePerSec = float64(consumed.Load()) / res.ConsumeElapsed.Seconds()
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	res.DeliveryP50 = percentile(latencies, 0.50)
	res.DeliveryP95 = percentile(latencies, 0.95)
	res.DeliveryP99 = percentile(latencies, 0.99)
	return res, nil
}

// nearest rank, not interpolation
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

// PrintSummaryTo writes a human-readable report.
func (r Result) PrintSummaryTo(w io.Writer) {
	fmt.Fprintln(w, sep)
	fmt.Fprintln(w, "BENCHMARK SUMMARY")
	fmt.Fprintf(w, "Records           : %d\n", r.Records)
	fmt.Fprintf(w, "Duplicates        : %d\n", r.Duplicates)
	fmt.Fprintf(w, "Redeliveries      : %d\n", r.Redeliveries)
	fmt.Fprintf(w, "Publish Elapsed   : %.2fs\n", r.PublishElapsed.Seconds())
	fmt.Fprintf(w, "Publish Rate      : %.0f records/s\n", r.PublishPerSec)
	fmt.Fprintf(w, "Consume Elapsed   : %.2fs\n", r.ConsumeElapsed.Seconds())
	fmt.Fprintf(w, "Consume Rate      : %.0f records/s\n", r.ConsumePerSec)
	fmt.Fprintf(w, "Delivery p50      : %s\n", r.DeliveryP50)
	fmt.Fprintf(w, "Delivery p95      : %s\n", r.DeliveryP95)
	fmt.Fprintf(w, "Delivery p99      : %s\n", r.DeliveryP99)
	fmt.Fprintln(w, sep)
}
