package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"embedpipe/internal/worker"
)

// Mocks

type MockSource struct{ mock.Mock }

func (m *MockSource) Fetch(ctx context.Context, bucket, key string) (string, error) {
	args := m.Called(ctx, bucket, key)
	return args.String(0), args.Error(1)
}

type MockEmbedder struct {
	mock.Mock
	dims int
}

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

func (m *MockEmbedder) Dimensions() int { return m.dims }

type MockSink struct{ mock.Mock }

func (m *MockSink) Upsert(ctx context.Context, docs []worker.IndexDocument) ([]worker.UpsertResult, error) {
	args := m.Called(ctx, docs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]worker.UpsertResult), args.Error(1)
}

type MockSideWriter struct{ mock.Mock }

func (m *MockSideWriter) Name() string { return "mock" }

func (m *MockSideWriter) Write(ctx context.Context, doc worker.IndexDocument) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

type MockStatusStore struct{ mock.Mock }

func (m *MockStatusStore) MarkIndexed(ctx context.Context, doc worker.IndexDocument) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *MockStatusStore) MarkFailed(ctx context.Context, docID, reason string) error {
	args := m.Called(ctx, docID, reason)
	return args.Error(0)
}

// fakeMessage is a queue message that records its terminal transition and
// signals it on a channel so tests can wait for resolution.
type fakeMessage struct {
	body     []byte
	attempts int

	mu       sync.Mutex
	finished bool
	requeued bool
	done     chan struct{}
}

func newFakeMessage(body []byte, attempts int) *fakeMessage {
	return &fakeMessage{body: body, attempts: attempts, done: make(chan struct{})}
}

func (m *fakeMessage) Body() []byte  { return m.body }
func (m *fakeMessage) Attempts() int { return m.attempts }

func (m *fakeMessage) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished || m.requeued {
		return
	}
	m.finished = true
	close(m.done)
}

func (m *fakeMessage) Requeue(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished || m.requeued {
		return
	}
	m.requeued = true
	close(m.done)
}

func (m *fakeMessage) isFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func (m *fakeMessage) isRequeued() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeued
}

// fakeQueue serves pre-loaded message batches, then blocks until the context
// is canceled. It doubles as the dead-letter destination.
type fakeQueue struct {
	mu      sync.Mutex
	pending [][]worker.QueueMessage
	dead    [][]byte
	dlqErr  error
}

func (q *fakeQueue) load(msgs ...worker.QueueMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msgs)
}

func (q *fakeQueue) Receive(ctx context.Context, max int) ([]worker.QueueMessage, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		batch := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		return batch, nil
	}
	q.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) DeadLetter(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dlqErr != nil {
		return q.dlqErr
	}
	q.dead = append(q.dead, body)
	return nil
}

func (q *fakeQueue) deadLetters() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.dead...)
}

// stubReporter counts outcomes without Prometheus plumbing.
type stubReporter struct {
	mu           sync.Mutex
	consumed     int
	indexed      int
	retried      int
	deadLettered int
	upsertOK     int
	upsertFailed int
}

func (r *stubReporter) Consumed(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumed += n
}

func (r *stubReporter) Outcome(o worker.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch o {
	case worker.OutcomeIndexed:
		r.indexed++
	case worker.OutcomeRetryable:
		r.retried++
	case worker.OutcomePermanent:
		r.deadLettered++
	}
}

func (r *stubReporter) Upserts(ok, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertOK += ok
	r.upsertFailed += failed
}

func (r *stubReporter) ResolveLatency(time.Duration)  {}
func (r *stubReporter) EmbedLatency(time.Duration)    {}
func (r *stubReporter) UpsertLatency(time.Duration)   {}
func (r *stubReporter) PipelineLatency(time.Duration) {}

func (r *stubReporter) snapshot() (consumed, indexed, retried, dead int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumed, r.indexed, r.retried, r.deadLettered
}

func taskBody(t *testing.T, docID string) []byte {
	t.Helper()
	body, err := json.Marshal(worker.EmbedTaskPayload{
		Bucket: "docs",
		Key:    "normalized/" + docID + ".txt",
		DocID:  docID,
	})
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return body
}

func awaitResolved(t *testing.T, msgs ...*fakeMessage) {
	t.Helper()
	for _, m := range msgs {
		select {
		case <-m.done:
		case <-time.After(3 * time.Second):
			t.Fatalf("message %q never reached a terminal state", m.body)
		}
	}
}
