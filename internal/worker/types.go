package worker

import (
	"context"
	"time"
)

// Outcome is the terminal classification of a WorkItem. Every item that enters
// the pipeline resolves to exactly one Outcome.
type Outcome int

const (
	OutcomeIndexed Outcome = iota
	OutcomeRetryable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIndexed:
		return "indexed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// QueueMessage is the ownership token for one in-flight queue message. The
// worker loop holds it exclusively until it calls Finish or Requeue.
type QueueMessage interface {
	Body() []byte
	Attempts() int
	Finish()
	Requeue(delay time.Duration)
}

// WorkItem tracks one message through the pipeline.
type WorkItem struct {
	Msg           QueueMessage
	DocID         string
	Bucket        string
	Key           string
	Meta          map[string]interface{}
	Text          string
	CorrelationID string

	receivedAt time.Time
}

// IndexDocument is the durable unit written to the sink. An upsert with the
// same DocID fully replaces the previous document.
type IndexDocument struct {
	DocID  string                 `json:"doc_id"`
	Text   string                 `json:"text"`
	Vector []float32              `json:"vector"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

// UpsertResult is the per-document outcome of a batched upsert, positionally
// aligned with the input slice. A nil Err means the document is queryable.
type UpsertResult struct {
	DocID string
	Err   error
}

// MessageQueue pulls batches of messages from the transport. Receive blocks up
// to the transport's poll interval and may return an empty slice.
type MessageQueue interface {
	Receive(ctx context.Context, max int) ([]QueueMessage, error)
}

// DeadLetterer routes a permanently failed message body to the dead-letter
// destination.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, body []byte) error
}

// SourceStore resolves a content locator to the document text.
type SourceStore interface {
	Fetch(ctx context.Context, bucket, key string) (string, error)
}

// Embedder produces one vector per input text, in input order, or fails as a
// unit. Dimensions reports the fixed vector length the backend is configured
// to produce.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// IndexSink makes documents durably queryable by doc_id. The returned slice is
// positionally aligned with docs; a non-nil error means the whole call failed
// (sink unreachable) and no per-document results are available.
type IndexSink interface {
	Upsert(ctx context.Context, docs []IndexDocument) ([]UpsertResult, error)
}

// SideWriter receives a best-effort copy of every indexed document. Write
// failures never affect the primary outcome.
type SideWriter interface {
	Name() string
	Write(ctx context.Context, doc IndexDocument) error
}

// StatusStore records terminal document status out of band, best effort.
type StatusStore interface {
	MarkIndexed(ctx context.Context, doc IndexDocument) error
	MarkFailed(ctx context.Context, docID, reason string) error
}

// Reporter records terminal outcomes and stage latencies. Implementations must
// never fail the data path.
type Reporter interface {
	Consumed(n int)
	Outcome(o Outcome)
	Upserts(ok, failed int)
	ResolveLatency(d time.Duration)
	EmbedLatency(d time.Duration)
	UpsertLatency(d time.Duration)
	PipelineLatency(d time.Duration)
}
