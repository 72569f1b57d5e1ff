package worker

import (
	"context"
	"time"
)

// Batcher groups resolved WorkItems into bounded batches, decoupling message
// arrival cadence from embedding-call cadence. A batch is emitted when it
// reaches maxCount items, or when its oldest item has waited maxWait,
// whichever happens first.
type Batcher struct {
	maxCount int
	maxWait  time.Duration
	in       chan *WorkItem
	out      chan []*WorkItem
}

func NewBatcher(maxCount int, maxWait time.Duration) *Batcher {
	if maxCount < 1 {
		maxCount = 1
	}
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &Batcher{
		maxCount: maxCount,
		maxWait:  maxWait,
		in:       make(chan *WorkItem),
		out:      make(chan []*WorkItem),
	}
}

// Add hands a resolved WorkItem to the batcher. It blocks while downstream is
// saturated, which applies backpressure to the receive loop. Once ctx is
// canceled the item is not accepted and the caller keeps ownership.
func (b *Batcher) Add(ctx context.Context, item *WorkItem) error {
	select {
	case b.in <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Batches is the emission side. It is closed after Run returns.
func (b *Batcher) Batches() <-chan []*WorkItem {
	return b.out
}

// Run accumulates items until ctx is canceled, then flushes the open batch and
// closes the output channel. Every accepted item appears in exactly one
// emitted batch.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.out)

	var (
		open   []*WorkItem
		timer  *time.Timer
		expiry <-chan time.Time
	)

	flush := func() {
		if len(open) == 0 {
			return
		}
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		expiry = nil
		b.out <- open
		open = nil
	}

	for {
		select {
		case item := <-b.in:
			open = append(open, item)
			if len(open) == 1 {
				timer = time.NewTimer(b.maxWait)
				expiry = timer.C
			}
			if len(open) >= b.maxCount {
				flush()
			}

		case <-expiry:
			flush()

		case <-ctx.Done():
			// Drain anything racing on the input channel so no accepted item
			// is lost, then emit the partial batch.
			for {
				select {
				case item := <-b.in:
					open = append(open, item)
				default:
					flush()
					return
				}
			}
		}
	}
}
