// Package events fans session events out to Kafka topics.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"voice-expense-service/internal/models"
	"voice-expense-service/internal/observability/metrics"
)

const headerEventType = "eventType"

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers          []string
	TopicTranscripts string
	TopicProposals   string
	TopicDiagnostics string
	Principal        string
	Enabled          bool
	// Async hands messages to the writer without waiting for acks.
	Async bool
}

// Publisher writes transcript, proposal and diagnostic events to separate topics.
// Without brokers it only logs.
type Publisher struct {
	writers   map[string]*kafka.Writer
	topics    map[models.EventType]string
	principal string
	enabled   bool
	metrics   *metrics.Metrics
}

// New creates a publisher. A nil or disabled config yields log-only mode.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{topics: map[models.EventType]string{}, metrics: m}
	}

	p := &Publisher{
		writers:   make(map[string]*kafka.Writer),
		topics:    topicRoutes(cfg),
		principal: cfg.Principal,
		metrics:   m,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	for _, topic := range p.topics {
		if topic == "" || p.writers[topic] != nil {
			continue
		}
		topic := topic
		w := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
			Async:        cfg.Async,
		}
		if cfg.Async {
			w.Completion = func(msgs []kafka.Message, err error) {
				for _, msg := range msgs {
					p.metrics.RecordKafkaPublish(topic, eventTypeOf(msg), err, 0)
				}
				if err != nil {
					log.Error().Err(err).Str("topic", topic).Int("messages", len(msgs)).Msg("Async Kafka write failed")
				}
			}
		}
		p.writers[topic] = w
	}
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscripts", cfg.TopicTranscripts).
		Str("topicProposals", cfg.TopicProposals).
		Str("topicDiagnostics", cfg.TopicDiagnostics).
		Str("principal", cfg.Principal).
		Bool("async", cfg.Async).
		Msg("Kafka publisher initialized")

	return p
}

func topicRoutes(cfg *Config) map[models.EventType]string {
	return map[models.EventType]string{
		models.EventTranscriptReleased: cfg.TopicTranscripts,
		models.EventProposalsUpdated:   cfg.TopicProposals,
		models.EventDecisionAck:        cfg.TopicProposals,
		models.EventDiagnostic:         cfg.TopicDiagnostics,
		models.EventError:              cfg.TopicDiagnostics,
	}
}

// TopicFor returns the topic ev is routed to, or "" when it is not published.
func (p *Publisher) TopicFor(t models.EventType) string {
	return p.topics[t]
}

// Observe publishes a session event. It satisfies session.Listener.
func (p *Publisher) Observe(ev models.Event) {
	topic := p.TopicFor(ev.Type)
	if topic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("sessionId", ev.SessionID).Str("type", string(ev.Type)).Msg("Dropped event")
	}
}

// Publish writes ev to its topic, keyed by session ID.
func (p *Publisher) Publish(ctx context.Context, ev models.Event) error {
	topic := p.TopicFor(ev.Type)
	if topic == "" {
		return nil
	}
	return p.publish(ctx, topic, string(ev.Type), ev.SessionID, ev)
}

func (p *Publisher) publish(ctx context.Context, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	writer := p.writers[topic]
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	if !writer.Async {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	}
	return nil
}

// Close flushes and closes all writers.
func (p *Publisher) Close() error {
	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Error closing Kafka writer")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func eventTypeOf(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == headerEventType {
			return string(h.Value)
		}
	}
	return ""
}
