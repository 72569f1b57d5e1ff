// Package nsqqueue bridges NSQ's push-style consumer to the worker loop's
// pull-style receive, and publishes dead-lettered messages to a separate
// topic.
package nsqqueue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nsqio/go-nsq"

	"embedpipe/internal/worker"
)

type Config struct {
	Topic           string
	Channel         string
	DeadLetterTopic string
	LookupdAddr     string
	NSQDAddr        string
	NSQDHTTPAddr    string
	MaxInFlight     int
	PollInterval    time.Duration
}

type Queue struct {
	consumer *nsq.Consumer
	producer *nsq.Producer
	msgs     chan *nsq.Message
	dlqTopic string
	lookupd  string
	nsqd     string
	poll     time.Duration
}

func New(cfg Config) (*Queue, error) {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	nc := nsq.NewConfig()
	nc.MaxInFlight = cfg.MaxInFlight
	// The loop owns dead-lettering; let NSQ redeliver indefinitely.
	nc.MaxAttempts = 0

	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, nc)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}

	producer, err := nsq.NewProducer(cfg.NSQDAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}

	q := &Queue{
		consumer: consumer,
		producer: producer,
		msgs:     make(chan *nsq.Message, cfg.MaxInFlight),
		dlqTopic: cfg.DeadLetterTopic,
		lookupd:  cfg.LookupdAddr,
		nsqd:     cfg.NSQDAddr,
		poll:     cfg.PollInterval,
	}
	consumer.AddHandler(nsq.HandlerFunc(q.park))

	createTopics(cfg.NSQDHTTPAddr, cfg.Topic, cfg.DeadLetterTopic)

	return q, nil
}

// Connect starts consuming, via lookupd discovery when configured and
// directly against nsqd otherwise.
func (q *Queue) Connect() error {
	if q.lookupd != "" {
		return q.consumer.ConnectToNSQLookupd(q.lookupd)
	}
	return q.consumer.ConnectToNSQD(q.nsqd)
}

// park hands a message to the pull side. Auto-response is disabled so the
// worker loop owns Finish/Requeue; a full channel blocks the handler, which is
// the backpressure NSQ expects.
func (q *Queue) park(m *nsq.Message) error {
	m.DisableAutoResponse()
	q.msgs <- m
	return nil
}

// Receive returns up to max parked messages. It blocks up to the poll
// interval for the first message and drains the rest without waiting.
func (q *Queue) Receive(ctx context.Context, max int) ([]worker.QueueMessage, error) {
	if max < 1 {
		max = 1
	}

	timer := time.NewTimer(q.poll)
	defer timer.Stop()

	var out []worker.QueueMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case m := <-q.msgs:
		out = append(out, &message{m: m})
	}

	for len(out) < max {
		select {
		case m := <-q.msgs:
			out = append(out, &message{m: m})
		default:
			return out, nil
		}
	}
	return out, nil
}

// DeadLetter publishes the original body to the dead-letter topic.
func (q *Queue) DeadLetter(_ context.Context, body []byte) error {
	return q.producer.Publish(q.dlqTopic, body)
}

// Stop unsubscribes and waits for the consumer to wind down. Parked messages
// that were never received are redelivered by nsqd after the message timeout.
func (q *Queue) Stop() {
	q.consumer.Stop()
	<-q.consumer.StopChan
	q.producer.Stop()
}

type message struct {
	m *nsq.Message
}

func (w *message) Body() []byte  { return w.m.Body }
func (w *message) Attempts() int { return int(w.m.Attempts) }

func (w *message) Finish() { w.m.Finish() }

func (w *message) Requeue(delay time.Duration) { w.m.Requeue(delay) }

var (
	_ worker.MessageQueue = (*Queue)(nil)
	_ worker.DeadLetterer = (*Queue)(nil)
	_ worker.QueueMessage = (*message)(nil)
)

// createTopics pre-creates topics via the nsqd HTTP API. NSQ creates topics
// lazily on publish, but consumers querying lookupd 404 until then.
func createTopics(nsqdHTTP string, topics ...string) {
	if nsqdHTTP == "" {
		return
	}
	go func() {
		time.Sleep(2 * time.Second)
		for _, topic := range topics {
			url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
			resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
			if err != nil {
				slog.Warn("failed to pre-create NSQ topic", "topic", topic, "error", err)
				continue
			}
			if closeErr := resp.Body.Close(); closeErr != nil {
				slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
			}
		}
	}()
}
