package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// JetStreamConfig describes the stream and durable consumer backing the
// job queue.
type JetStreamConfig struct {
	URL        string
	Stream     string
	Subject    string
	Durable    string
	BatchSize  int
	FetchWait  time.Duration
	MaxDeliver int
}

// JetStream is a Publisher backed by a NATS JetStream work queue.
type JetStream struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg JetStreamConfig
	log zerolog.Logger
}

// Connect dials NATS and ensures the job stream exists. Every subject
// under the first token of cfg.Subject is captured by the stream.
func Connect(ctx context.Context, cfg JetStreamConfig, log zerolog.Logger) (*JetStream, error) {
	log = log.With().Str("component", "jetstream").Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("go2-edge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{streamSubjects(cfg.Subject)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	log.Info().Str("stream", cfg.Stream).Str("subject", cfg.Subject).Msg("jetstream ready")
	return &JetStream{nc: nc, js: js, cfg: cfg, log: log}, nil
}

func streamSubjects(subject string) string {
	if i := strings.IndexByte(subject, '.'); i > 0 {
		return subject[:i] + ".>"
	}
	return subject + ".>"
}

// Send publishes one message. The message id doubles as the JetStream
// de-duplication id.
func (q *JetStream) Send(ctx context.Context, msgType string, payload any) error {
	msg, err := NewMessage(msgType, payload, time.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := q.js.Publish(ctx, q.cfg.Subject, data, jetstream.WithMsgID(msg.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", msgType, err)
	}
	return nil
}

// Ping reports whether the connection is up.
func (q *JetStream) Ping() error {
	if !q.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

// Close drains the connection.
func (q *JetStream) Close() error {
	return q.nc.Drain()
}

// Worker returns a suture-compatible service that fetches batches from the
// durable consumer and hands them to c.
func (q *JetStream) Worker(ctx context.Context, c *Consumer) (*Worker, error) {
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       q.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    q.cfg.MaxDeliver,
		FilterSubject: q.cfg.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", q.cfg.Durable, err)
	}

	batch := q.cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	wait := q.cfg.FetchWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Worker{
		fetcher:    cons,
		consumer:   c,
		batch:      batch,
		wait:       wait,
		maxDeliver: q.cfg.MaxDeliver,
		log:        q.log.With().Str("durable", q.cfg.Durable).Logger(),
	}, nil
}

// Fetcher is the subset of jetstream.Consumer the worker uses.
type Fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Worker pulls batches until its context is canceled.
type Worker struct {
	fetcher    Fetcher
	consumer   *Consumer
	batch      int
	wait       time.Duration
	maxDeliver int
	log        zerolog.Logger
}

// Serve implements suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	w.log.Info().Int("batch", w.batch).Msg("queue worker started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := w.fetcher.Fetch(w.batch, jetstream.FetchMaxWait(w.wait))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var deliveries []Delivery
		for m := range batch.Messages() {
			deliveries = append(deliveries, &jsDelivery{msg: m, maxDeliver: w.maxDeliver})
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			w.log.Warn().Err(err).Msg("batch ended with error")
		}
		if len(deliveries) > 0 {
			w.consumer.Process(ctx, deliveries)
		}
	}
}

func (w *Worker) String() string { return "queue-worker" }

type jsDelivery struct {
	msg        jetstream.Msg
	maxDeliver int
}

func (d *jsDelivery) Message() (Message, error) {
	var m Message
	if err := json.Unmarshal(d.msg.Data(), &m); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if m.Type == "" {
		return Message{}, errors.New("decode envelope: missing type")
	}
	return m, nil
}

func (d *jsDelivery) Attempt() int {
	md, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(md.NumDelivered)
}

func (d *jsDelivery) Ack() error { return d.msg.Ack() }

func (d *jsDelivery) Retry(delay time.Duration) error {
	// Past the redelivery bound the server drops the message anyway.
	if d.maxDeliver > 0 && d.Attempt() >= d.maxDeliver {
		return d.msg.TermWithReason("max deliveries reached")
	}
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) Terminate() error { return d.msg.Term() }
