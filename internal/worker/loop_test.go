package worker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"embedpipe/internal/worker"
)

// loopRig wires a Loop against fakes. ResolveLimit is pinned to 1 so items
// enter the batcher in message order and batch positions are deterministic.
type loopRig struct {
	queue    *fakeQueue
	source   *MockSource
	embedder *MockEmbedder
	sink     *MockSink
	reporter *stubReporter
	loop     *worker.Loop
}

func newLoopRig(batchSize int, batchWait time.Duration, opts worker.Options) *loopRig {
	r := &loopRig{
		queue:    &fakeQueue{},
		source:   new(MockSource),
		embedder: &MockEmbedder{dims: 3},
		sink:     new(MockSink),
		reporter: &stubReporter{},
	}
	opts.Dimensions = 3
	opts.ResolveLimit = 1
	opts.RequeueDelay = time.Millisecond
	batcher := worker.NewBatcher(batchSize, batchWait)
	r.loop = worker.NewLoop(r.queue, r.queue, r.source, r.embedder, r.sink, r.reporter, batcher, opts)
	return r
}

// run drives the loop until every message reaches a terminal state, then
// stops it and returns whatever Run returned.
func (r *loopRig) run(t *testing.T, msgs ...*fakeMessage) error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.loop.Run(ctx) }()

	awaitResolved(t, msgs...)
	cancel()

	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop after cancel")
		return nil
	}
}

func okResults(docs []worker.IndexDocument) []worker.UpsertResult {
	results := make([]worker.UpsertResult, len(docs))
	for i, d := range docs {
		results[i] = worker.UpsertResult{DocID: d.DocID}
	}
	return results
}

func TestLoop_HappyPath(t *testing.T) {
	rig := newLoopRig(2, time.Hour, worker.Options{})

	msgA := newFakeMessage(taskBody(t, "doc-a"), 1)
	msgB := newFakeMessage(taskBody(t, "doc-b"), 1)
	rig.queue.load(msgA, msgB)

	rig.source.On("Fetch", mock.Anything, "docs", "normalized/doc-a.txt").Return("text-a", nil)
	rig.source.On("Fetch", mock.Anything, "docs", "normalized/doc-b.txt").Return("text-b", nil)
	rig.embedder.On("Embed", mock.Anything, []string{"text-a", "text-b"}).
		Return([][]float32{{1, 0, 0}, {0, 1, 0}}, nil)
	rig.sink.On("Upsert", mock.Anything, mock.MatchedBy(func(docs []worker.IndexDocument) bool {
		return len(docs) == 2 && docs[0].DocID == "doc-a" && docs[1].DocID == "doc-b"
	})).Return([]worker.UpsertResult{{DocID: "doc-a"}, {DocID: "doc-b"}}, nil)

	err := rig.run(t, msgA, msgB)
	require.NoError(t, err)

	assert.True(t, msgA.isFinished())
	assert.True(t, msgB.isFinished())
	assert.Empty(t, rig.queue.deadLetters())

	consumed, indexed, retried, dead := rig.reporter.snapshot()
	assert.Equal(t, 2, consumed)
	assert.Equal(t, 2, indexed)
	assert.Equal(t, 0, retried)
	assert.Equal(t, 0, dead)
	assert.Equal(t, 2, rig.reporter.upsertOK)

	rig.source.AssertExpectations(t)
	rig.embedder.AssertExpectations(t)
	rig.sink.AssertExpectations(t)
}

func TestLoop_MalformedMessage_DeadLettersWithoutEmbedding(t *testing.T) {
	rig := newLoopRig(1, time.Hour, worker.Options{})

	msg := newFakeMessage([]byte(`{"bucket":"docs"}`), 1)
	rig.queue.load(msg)

	err := rig.run(t, msg)
	require.NoError(t, err)

	assert.True(t, msg.isFinished())
	require.Len(t, rig.queue.deadLetters(), 1)
	assert.Equal(t, msg.Body(), rig.queue.deadLetters()[0])

	_, _, _, dead := rig.reporter.snapshot()
	assert.Equal(t, 1, dead)

	rig.source.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
	rig.embedder.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything)
}

func TestLoop_ContentUnavailable_RequeuesBelowCeiling(t *testing.T) {
	rig := newLoopRig(1, time.Hour, worker.Options{MaxAttempts: 5})

	msg := newFakeMessage(taskBody(t, "doc-a"), 1)
	rig.queue.load(msg)
	rig.source.On("Fetch", mock.Anything, "docs", "normalized/doc-a.txt").
		Return("", fmt.Errorf("%w: object missing", worker.ErrContentUnavailable))

	err := rig.run(t, msg)
	require.NoError(t, err)

	assert.True(t, msg.isRequeued())
	assert.Empty(t, rig.queue.deadLetters())

	_, _, retried, _ := rig.reporter.snapshot()
	assert.Equal(t, 1, retried)
}

func TestLoop_ContentUnavailable_DeadLettersAtCeiling(t *testing.T) {
	rig := newLoopRig(1, time.Hour, worker.Options{MaxAttempts: 5})

	msg := newFakeMessage(taskBody(t, "doc-a"), 5)
	rig.queue.load(msg)
	rig.source.On("Fetch", mock.Anything, "docs", "normalized/doc-a.txt").
		Return("", fmt.Errorf("%w: object missing", worker.ErrContentUnavailable))

	err := rig.run(t, msg)
	require.NoError(t, err)

	assert.True(t, msg.isFinished())
	assert.Len(t, rig.queue.deadLetters(), 1)
}

func TestLoop_PartialSinkFailure_ResolvesPerDocument(t *testing.T) {
	rig := newLoopRig(3, time.Hour, worker.Options{})

	msgA := newFakeMessage(taskBody(t, "doc-a"), 1)
	msgB := newFakeMessage(taskBody(t, "doc-b"), 1)
	msgC := newFakeMessage(taskBody(t, "doc-c"), 1)
	rig.queue.load(msgA, msgB, msgC)

	for _, id := range []string{"doc-a", "doc-b", "doc-c"} {
		rig.source.On("Fetch", mock.Anything, "docs", "normalized/"+id+".txt").Return("text-"+id, nil)
	}
	rig.embedder.On("Embed", mock.Anything, []string{"text-doc-a", "text-doc-b", "text-doc-c"}).
		Return([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, nil)
	rig.sink.On("Upsert", mock.Anything, mock.Anything).Return([]worker.UpsertResult{
		{DocID: "doc-a"},
		{DocID: "doc-b", Err: fmt.Errorf("%w: invalid meta", worker.ErrIndexRejected)},
		{DocID: "doc-c"},
	}, nil)

	err := rig.run(t, msgA, msgB, msgC)
	require.NoError(t, err)

	assert.True(t, msgA.isFinished())
	assert.True(t, msgB.isFinished())
	assert.True(t, msgC.isFinished())
	require.Len(t, rig.queue.deadLetters(), 1)
	assert.Equal(t, msgB.Body(), rig.queue.deadLetters()[0])

	_, indexed, _, dead := rig.reporter.snapshot()
	assert.Equal(t, 2, indexed)
	assert.Equal(t, 1, dead)
	assert.Equal(t, 2, rig.reporter.upsertOK)
	assert.Equal(t, 1, rig.reporter.upsertFailed)
}

func TestLoop_SinkUnreachable_RequeuesWholeBatch(t *testing.T) {
	rig := newLoopRig(2, time.Hour, worker.Options{MaxAttempts: 5})

	msgA := newFakeMessage(taskBody(t, "doc-a"), 1)
	msgB := newFakeMessage(taskBody(t, "doc-b"), 1)
	rig.queue.load(msgA, msgB)

	rig.source.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return("text", nil)
	rig.embedder.On("Embed", mock.Anything, mock.Anything).
		Return([][]float32{{1, 0, 0}, {0, 1, 0}}, nil)
	rig.sink.On("Upsert", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: connection refused", worker.ErrIndexUnavailable))

	err := rig.run(t, msgA, msgB)
	require.NoError(t, err)

	assert.True(t, msgA.isRequeued())
	assert.True(t, msgB.isRequeued())
	assert.Empty(t, rig.queue.deadLetters())
	assert.Equal(t, 2, rig.reporter.upsertFailed)
}

func TestLoop_BackendRejectsIdentifiedItems(t *testing.T) {
	rig := newLoopRig(2, time.Hour, worker.Options{MaxAttempts: 5})

	msgA := newFakeMessage(taskBody(t, "doc-a"), 1)
	msgB := newFakeMessage(taskBody(t, "doc-b"), 1)
	rig.queue.load(msgA, msgB)

	rig.source.On("Fetch", mock.Anything, "docs", "normalized/doc-a.txt").Return("text-a", nil)
	rig.source.On("Fetch", mock.Anything, "docs", "normalized/doc-b.txt").Return("text-b", nil)
	rig.embedder.On("Embed", mock.Anything, []string{"text-a", "text-b"}).
		Return(nil, &worker.RejectedItemsError{Positions: []int{0}, Reason: "input too large"})

	err := rig.run(t, msgA, msgB)
	require.NoError(t, err)

	// Position 0 is permanently rejected; its sibling retries.
	assert.True(t, msgA.isFinished())
	assert.True(t, msgB.isRequeued())
	require.Len(t, rig.queue.deadLetters(), 1)
	assert.Equal(t, msgA.Body(), rig.queue.deadLetters()[0])
}

func TestLoop_BackendUnavailable_RequeuesBatch(t *testing.T) {
	rig := newLoopRig(2, time.Hour, worker.Options{MaxAttempts: 5})

	msgA := newFakeMessage(taskBody(t, "doc-a"), 1)
	msgB := newFakeMessage(taskBody(t, "doc-b"), 1)
	rig.queue.load(msgA, msgB)

	rig.source.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return("text", nil)
	rig.embedder.On("Embed", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: 503", worker.ErrBackendUnavailable))

	err := rig.run(t, msgA, msgB)
	require.NoError(t, err)

	assert.True(t, msgA.isRequeued())
	assert.True(t, msgB.isRequeued())
	rig.sink.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestLoop_DimensionMismatch_HaltsPipeline(t *testing.T) {
	rig := newLoopRig(2, time.Hour, worker.Options{})

	msgA := newFakeMessage(taskBody(t, "doc-a"), 1)
	msgB := newFakeMessage(taskBody(t, "doc-b"), 1)
	rig.queue.load(msgA, msgB)

	rig.source.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return("text", nil)
	// Configured for 3 dimensions, backend returns 2.
	rig.embedder.On("Embed", mock.Anything, mock.Anything).
		Return([][]float32{{1, 0}, {0, 1}}, nil)

	err := rig.run(t, msgA, msgB)
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrDimensionMismatch)

	// Nothing reaches the index and nothing is lost.
	assert.True(t, msgA.isRequeued())
	assert.True(t, msgB.isRequeued())
	rig.sink.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestLoop_MisalignedResults_HaltsPipeline(t *testing.T) {
	rig := newLoopRig(2, time.Hour, worker.Options{})

	msgA := newFakeMessage(taskBody(t, "doc-a"), 1)
	msgB := newFakeMessage(taskBody(t, "doc-b"), 1)
	rig.queue.load(msgA, msgB)

	rig.source.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return("text", nil)
	rig.embedder.On("Embed", mock.Anything, mock.Anything).
		Return([][]float32{{1, 0, 0}}, nil)

	err := rig.run(t, msgA, msgB)
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrResultMisaligned)
	assert.True(t, msgA.isRequeued())
	assert.True(t, msgB.isRequeued())
}

func TestLoop_DeadLetterPublishFails_Requeues(t *testing.T) {
	rig := newLoopRig(1, time.Hour, worker.Options{})
	rig.queue.dlqErr = fmt.Errorf("nsqd unreachable")

	msg := newFakeMessage([]byte("not json"), 1)
	rig.queue.load(msg)

	err := rig.run(t, msg)
	require.NoError(t, err)

	// The message must never be lost: requeued instead of dropped.
	assert.True(t, msg.isRequeued())
	assert.False(t, msg.isFinished())
}

func TestLoop_SideWritersAndStatus_BestEffort(t *testing.T) {
	rig := newLoopRig(1, time.Hour, worker.Options{})

	side := new(MockSideWriter)
	status := new(MockStatusStore)
	rig.loop.WithSideWriters(side).WithStatusStore(status)

	msg := newFakeMessage(taskBody(t, "doc-a"), 1)
	rig.queue.load(msg)

	rig.source.On("Fetch", mock.Anything, "docs", "normalized/doc-a.txt").Return("text-a", nil)
	rig.embedder.On("Embed", mock.Anything, []string{"text-a"}).Return([][]float32{{1, 0, 0}}, nil)
	rig.sink.On("Upsert", mock.Anything, mock.Anything).Return([]worker.UpsertResult{{DocID: "doc-a"}}, nil)

	// Side writer failure must not affect the primary outcome.
	side.On("Write", mock.Anything, mock.MatchedBy(func(d worker.IndexDocument) bool {
		return d.DocID == "doc-a" && d.Text == "text-a"
	})).Return(fmt.Errorf("archive bucket gone"))
	status.On("MarkIndexed", mock.Anything, mock.Anything).Return(nil)

	err := rig.run(t, msg)
	require.NoError(t, err)

	assert.True(t, msg.isFinished())
	side.AssertExpectations(t)
	status.AssertExpectations(t)
}

func TestLoop_DeadLetterRecordsFailedStatus(t *testing.T) {
	rig := newLoopRig(1, time.Hour, worker.Options{MaxAttempts: 2})

	status := new(MockStatusStore)
	rig.loop.WithStatusStore(status)

	msg := newFakeMessage(taskBody(t, "doc-a"), 2)
	rig.queue.load(msg)
	rig.source.On("Fetch", mock.Anything, "docs", "normalized/doc-a.txt").
		Return("", fmt.Errorf("%w: gone", worker.ErrContentUnavailable))
	status.On("MarkFailed", mock.Anything, "doc-a", mock.Anything).Return(nil)

	err := rig.run(t, msg)
	require.NoError(t, err)

	assert.True(t, msg.isFinished())
	status.AssertExpectations(t)
}

func TestLoop_ShutdownDrainsOpenBatch(t *testing.T) {
	// Batch never fills and never expires on its own; only the shutdown
	// flush can complete it.
	rig := newLoopRig(10, time.Hour, worker.Options{})

	msg := newFakeMessage(taskBody(t, "doc-a"), 1)
	rig.queue.load(msg)

	rig.source.On("Fetch", mock.Anything, "docs", "normalized/doc-a.txt").Return("text-a", nil)
	rig.embedder.On("Embed", mock.Anything, []string{"text-a"}).Return([][]float32{{1, 0, 0}}, nil)
	rig.sink.On("Upsert", mock.Anything, mock.Anything).Return([]worker.UpsertResult{{DocID: "doc-a"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rig.loop.Run(ctx) }()

	// Let the item reach the open batch, then stop the loop.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not drain after cancel")
	}

	assert.True(t, msg.isFinished(), "in-flight item must resolve during drain")
	_, indexed, _, _ := rig.reporter.snapshot()
	assert.Equal(t, 1, indexed)
}
