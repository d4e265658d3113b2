// Package eventbus mirrors the authoritative Postgres job event log to an
// optional Kafka/Redpanda topic for external analytics consumers. It is
// never the source of truth for job state; a mirror publish failure is
// logged and returned to the caller, and the job runner and job usecase
// log it and carry on without failing the job.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/ixfleet/orchestrator/internal/domain"
)

// Producer implements domain.EventPublisher over a franz-go client.
// Grounded on internal/adapter/queue/redpanda/producer.go's client setup,
// simplified to a non-transactional fire-and-forget publish: the mirror
// does not need exactly-once semantics, since the Postgres event log
// remains authoritative regardless of whether a given event reaches Kafka.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer publishing to topic across brokers.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=eventbus.new_producer: no seed brokers provided")
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(tracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(500_000),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=eventbus.new_producer: %w", err)
	}
	return &Producer{client: client, topic: topic}, nil
}

// Publish mirrors e to the configured topic, keyed by job id for
// per-job ordering. Errors are returned to the caller (runner.Pool and
// usecase.JobService log and continue rather than failing the job on a
// mirror failure).
func (p *Producer) Publish(ctx domain.Context, e domain.JobEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=eventbus.publish.marshal job_id=%d: %w", e.JobID, err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(fmt.Sprintf("%d", e.JobID)),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "phase", Value: []byte(string(e.Phase))},
			{Key: "event", Value: []byte(e.Event)},
		},
	}

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		slog.Warn("eventbus publish failed", slog.Int64("job_id", e.JobID), slog.Any("error", err))
		return fmt.Errorf("op=eventbus.publish job_id=%d: %w", e.JobID, err)
	}
	return nil
}

// Close releases the underlying Kafka client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
