package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"embedpipe/internal/correlation"
)

// Options tunes the pipeline loop.
type Options struct {
	// ReceiveMax is the batch-receive ceiling per iteration.
	ReceiveMax int
	// MaxAttempts is the redelivery ceiling before dead-lettering.
	MaxAttempts int
	// Parallelism bounds the number of batches in flight against the
	// embedding backend and the index at any moment.
	Parallelism int
	// Dimensions is the configured vector length; every result is checked
	// against it.
	Dimensions int
	// ResolveLimit bounds concurrent source fetches within one iteration.
	ResolveLimit int
	// CallTimeout applies to each external call: resolve, embed, upsert.
	CallTimeout time.Duration
	// RequeueDelay is the redelivery backoff handed to the transport.
	RequeueDelay time.Duration
}

func (o *Options) withDefaults() {
	if o.ReceiveMax < 1 {
		o.ReceiveMax = 10
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 5
	}
	if o.Parallelism < 1 {
		o.Parallelism = 4
	}
	if o.ResolveLimit < 1 {
		o.ResolveLimit = o.ReceiveMax
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = 15 * time.Second
	}
}

// Loop orchestrates the full lifecycle of each WorkItem from message receipt
// to terminal outcome, and translates outcomes into transport actions.
type Loop struct {
	queue    MessageQueue
	dlq      DeadLetterer
	source   SourceStore
	embedder Embedder
	sink     IndexSink
	reporter Reporter
	batcher  *Batcher
	side     []SideWriter
	status   StatusStore
	opts     Options

	fatal chan error
}

func NewLoop(q MessageQueue, dlq DeadLetterer, src SourceStore, e Embedder, s IndexSink, rep Reporter, b *Batcher, opts Options) *Loop {
	opts.withDefaults()
	return &Loop{
		queue:    q,
		dlq:      dlq,
		source:   src,
		embedder: e,
		sink:     s,
		reporter: rep,
		batcher:  b,
		opts:     opts,
		fatal:    make(chan error, 1),
	}
}

// WithSideWriters attaches best-effort secondary writers for indexed
// documents.
func (l *Loop) WithSideWriters(w ...SideWriter) *Loop {
	l.side = append(l.side, w...)
	return l
}

// WithStatusStore attaches a best-effort per-document status recorder.
func (l *Loop) WithStatusStore(s StatusStore) *Loop {
	l.status = s
	return l
}

// Run receives, resolves, batches, embeds and upserts until ctx is canceled or
// a fatal configuration error is detected. On return every WorkItem accepted
// by the loop has reached a terminal outcome: the batcher has been flushed and
// all in-flight batches drained.
func (l *Loop) Run(ctx context.Context) error {
	// Batches keep processing after the stop signal so in-flight items finish
	// cleanly; per-call timeouts still bound each step.
	drainCtx := context.WithoutCancel(ctx)

	batchCtx, stopBatcher := context.WithCancel(drainCtx)
	defer stopBatcher()
	go l.batcher.Run(batchCtx)

	done := make(chan struct{})
	go l.dispatch(drainCtx, done)

	var runErr error

receive:
	for {
		select {
		case <-ctx.Done():
			break receive
		case err := <-l.fatal:
			runErr = err
			break receive
		default:
		}

		msgs, err := l.queue.Receive(ctx, l.opts.ReceiveMax)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break receive
			}
			slog.Warn("message receive failed", "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		l.reporter.Consumed(len(msgs))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.opts.ResolveLimit)
		for _, m := range msgs {
			g.Go(func() error {
				l.handleMessage(gctx, m)
				return nil
			})
		}
		_ = g.Wait()
	}

	stopBatcher()
	<-done

	if runErr == nil {
		select {
		case runErr = <-l.fatal:
		default:
		}
	}
	if runErr != nil {
		slog.Error("pipeline halted", "error", runErr)
	}
	return runErr
}

// dispatch drains emitted batches, bounding concurrent backend calls with a
// weighted semaphore, and closes done once every batch has resolved.
func (l *Loop) dispatch(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	sem := semaphore.NewWeighted(int64(l.opts.Parallelism))
	var wg sync.WaitGroup

	for batch := range l.batcher.Batches() {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Drain context carries no deadline; this only happens if the
			// process is being torn down hard. Hand the items back.
			for _, item := range batch {
				l.requeue(item)
			}
			continue
		}
		wg.Add(1)
		go func(batch []*WorkItem) {
			defer wg.Done()
			defer sem.Release(1)
			l.processBatch(ctx, batch)
		}(batch)
	}
	wg.Wait()
}

// handleMessage parses and resolves one message, handing the WorkItem to the
// batcher on success.
func (l *Loop) handleMessage(ctx context.Context, m QueueMessage) {
	task, err := ParseTask(m.Body())
	if err != nil {
		slog.Error("dead-lettering malformed message", "error", err)
		l.deadLetter(ctx, &WorkItem{Msg: m, receivedAt: time.Now()}, err)
		return
	}

	ctx = correlation.With(ctx, task.CorrelationID)
	item := &WorkItem{
		Msg:           m,
		DocID:         task.DocID,
		Bucket:        task.Bucket,
		Key:           task.Key,
		Meta:          task.Meta,
		CorrelationID: correlation.From(ctx),
		receivedAt:    time.Now(),
	}

	fetchCtx, cancel := context.WithTimeout(ctx, l.opts.CallTimeout)
	start := time.Now()
	text, err := l.source.Fetch(fetchCtx, item.Bucket, item.Key)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrContentUnavailable) {
			err = fmt.Errorf("%w: %v", ErrContentUnavailable, err)
		}
		l.fail(ctx, item, err)
		return
	}
	l.reporter.ResolveLatency(time.Since(start))
	item.Text = text

	if err := l.batcher.Add(ctx, item); err != nil {
		// Shutting down before the item could be batched; hand it back to the
		// queue so it is redelivered rather than lost.
		l.requeue(item)
	}
}

// processBatch drives one batch through embed and upsert, resolving every
// item to a terminal outcome.
func (l *Loop) processBatch(ctx context.Context, batch []*WorkItem) {
	texts := make([]string, len(batch))
	for i, item := range batch {
		texts[i] = item.Text
	}

	embedCtx, cancel := context.WithTimeout(ctx, l.opts.CallTimeout)
	start := time.Now()
	vectors, err := l.embedder.Embed(embedCtx, texts)
	cancel()
	if err != nil {
		l.failBatchEmbed(ctx, batch, err)
		return
	}
	l.reporter.EmbedLatency(time.Since(start))

	// Validate count before trusting positional alignment.
	if len(vectors) != len(batch) {
		l.failFatal(batch, fmt.Errorf("%w: %d vectors for %d texts", ErrResultMisaligned, len(vectors), len(batch)))
		return
	}
	for i, vec := range vectors {
		if len(vec) != l.opts.Dimensions {
			l.failFatal(batch, fmt.Errorf("%w: got %d, configured %d (doc %s)",
				ErrDimensionMismatch, len(vec), l.opts.Dimensions, batch[i].DocID))
			return
		}
	}

	docs := make([]IndexDocument, len(batch))
	for i, item := range batch {
		docs[i] = IndexDocument{
			DocID:  item.DocID,
			Text:   item.Text,
			Vector: vectors[i],
			Meta:   item.Meta,
		}
	}

	upsertCtx, cancel := context.WithTimeout(ctx, l.opts.CallTimeout)
	start = time.Now()
	results, err := l.sink.Upsert(upsertCtx, docs)
	cancel()
	if err != nil || len(results) != len(docs) {
		if err == nil {
			err = fmt.Errorf("%w: %d results for %d documents", ErrIndexUnavailable, len(results), len(docs))
		}
		// Sink-wide failure: every document is retryable.
		l.reporter.Upserts(0, len(docs))
		for _, item := range batch {
			l.fail(ctx, item, err)
		}
		return
	}
	l.reporter.UpsertLatency(time.Since(start))

	ok, failed := 0, 0
	for i, res := range results {
		item := batch[i]
		if res.Err != nil {
			failed++
			l.fail(ctx, item, res.Err)
			continue
		}
		ok++
		l.sideWrite(ctx, docs[i])
		item.Msg.Finish()
		l.reporter.Outcome(OutcomeIndexed)
		l.reporter.PipelineLatency(time.Since(item.receivedAt))
		slog.InfoContext(correlation.With(ctx, item.CorrelationID), "document indexed",
			"doc_id", item.DocID, "attempts", item.Msg.Attempts())
	}
	l.reporter.Upserts(ok, failed)
}

// failBatchEmbed resolves every item of a batch whose embedding call failed.
// When the backend identifies rejected positions, those are permanent and the
// rest retryable; otherwise the whole batch follows the retry rules per item.
func (l *Loop) failBatchEmbed(ctx context.Context, batch []*WorkItem, err error) {
	var rej *RejectedItemsError
	if errors.As(err, &rej) {
		rejected := make(map[int]bool, len(rej.Positions))
		for _, p := range rej.Positions {
			rejected[p] = true
		}
		for i, item := range batch {
			if rejected[i] {
				l.deadLetter(ctx, item, err)
			} else {
				// Not embedded this round because the batch aborted.
				l.fail(ctx, item, fmt.Errorf("%w: batch aborted by rejected sibling", ErrBackendUnavailable))
			}
		}
		return
	}

	for _, item := range batch {
		l.fail(ctx, item, err)
	}
}

// fail resolves one item to a retryable or permanent outcome.
func (l *Loop) fail(ctx context.Context, item *WorkItem, err error) {
	if IsPermanent(err) || item.Msg.Attempts() >= l.opts.MaxAttempts {
		l.deadLetter(ctx, item, err)
		return
	}
	slog.WarnContext(correlation.With(ctx, item.CorrelationID), "requeueing item",
		"doc_id", item.DocID, "attempts", item.Msg.Attempts(), "error", err)
	l.requeue(item)
}

func (l *Loop) requeue(item *WorkItem) {
	item.Msg.Requeue(l.opts.RequeueDelay)
	l.reporter.Outcome(OutcomeRetryable)
}

// deadLetter routes the original message body to the dead-letter topic and
// removes it from the main queue. If the dead-letter publish itself fails the
// message is requeued instead so it is never silently dropped.
func (l *Loop) deadLetter(ctx context.Context, item *WorkItem, cause error) {
	if err := l.dlq.DeadLetter(ctx, item.Msg.Body()); err != nil {
		slog.Error("dead-letter publish failed, requeueing", "doc_id", item.DocID, "error", err)
		l.requeue(item)
		return
	}
	item.Msg.Finish()
	l.reporter.Outcome(OutcomePermanent)
	if l.status != nil && item.DocID != "" {
		if err := l.status.MarkFailed(ctx, item.DocID, cause.Error()); err != nil {
			slog.Warn("status write failed", "doc_id", item.DocID, "error", err)
		}
	}
	slog.ErrorContext(correlation.With(ctx, item.CorrelationID), "document dead-lettered",
		"doc_id", item.DocID, "attempts", item.Msg.Attempts(), "error", cause)
}

// failFatal hands every item back to the queue and halts the loop. The items
// are retryable from the transport's point of view: the operator fixes the
// configuration and redeploys.
func (l *Loop) failFatal(batch []*WorkItem, err error) {
	for _, item := range batch {
		l.requeue(item)
	}
	select {
	case l.fatal <- err:
	default:
	}
}

// sideWrite fans an indexed document out to the secondary stores. Failures
// here are logged and swallowed.
func (l *Loop) sideWrite(ctx context.Context, doc IndexDocument) {
	for _, w := range l.side {
		if err := w.Write(ctx, doc); err != nil {
			slog.Warn("side write failed", "writer", w.Name(), "doc_id", doc.DocID, "error", err)
		}
	}
	if l.status != nil {
		if err := l.status.MarkIndexed(ctx, doc); err != nil {
			slog.Warn("status write failed", "doc_id", doc.DocID, "error", err)
		}
	}
}
