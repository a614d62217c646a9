// Command eventtail follows the service's Kafka topics and prints each event
// as it arrives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"voice-expense-service/internal/config"
	"voice-expense-service/internal/models"
	"voice-expense-service/internal/observability/logging"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	cfg := config.Load()

	var (
		brokers []string
		topics  []string
		since   time.Duration
		session string
		raw     bool
	)

	cmd := &cobra.Command{
		Use:   "eventtail",
		Short: "Follow voice expense events on Kafka",
		Long: `Follow transcript, proposal and diagnostic events published by the
voice expense service.

Example:
  # Last ten minutes of every topic
  eventtail --brokers localhost:9092 --since 10m

  # Only one session's proposals
  eventtail --topic expense.proposals.v1 --session 3f1c...`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(brokers) == 0 {
				return errors.New("--brokers is required")
			}
			if len(topics) == 0 {
				return errors.New("at least one --topic is required")
			}
			logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p := &printer{out: out, session: session, raw: raw}
			var wg sync.WaitGroup
			for _, topic := range topics {
				wg.Add(1)
				go func(topic string) {
					defer wg.Done()
					tail(ctx, brokers, topic, since, p)
				}(topic)
			}
			wg.Wait()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&brokers, "brokers", cfg.Kafka.Brokers, "Kafka brokers")
	cmd.Flags().StringSliceVar(&topics, "topic", []string{
		cfg.Kafka.TopicTranscripts,
		cfg.Kafka.TopicProposals,
		cfg.Kafka.TopicDiagnostics,
	}, "Topics to follow (repeatable)")
	cmd.Flags().DurationVar(&since, "since", time.Hour, "Start this far back in time")
	cmd.Flags().StringVar(&session, "session", "", "Only print events for this session ID")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print message values unformatted")
	return cmd
}

// tail reads partition 0 of topic without a consumer group, so nothing is
// committed and every run starts from since.
func tail(ctx context.Context, brokers []string, topic string, since time.Duration, p *printer) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-since)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to seek, reading from last committed offset")
	}
	log.Info().Str("topic", topic).Dur("since", since).Msg("Following topic")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("topic", topic).Msg("Kafka read error")
			}
			return
		}
		p.print(msg)
	}
}

type printer struct {
	mu      sync.Mutex
	out     io.Writer
	session string
	raw     bool
}

func (p *printer) print(msg kafka.Message) {
	line, ok := format(msg, p.session, p.raw)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// wireEvent mirrors models.Event with Data left undecoded.
type wireEvent struct {
	Type      models.EventType `json:"type"`
	SessionID string           `json:"sessionId"`
	UserID    string           `json:"userId"`
	Timestamp int64            `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// format renders one message. ok is false when the message belongs to a
// different session than filter.
func format(msg kafka.Message, filter string, raw bool) (line string, ok bool) {
	if filter != "" && string(msg.Key) != filter {
		return "", false
	}
	if raw {
		return fmt.Sprintf("%s %s", msg.Topic, msg.Value), true
	}

	var ev wireEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Sprintf("%s [undecodable] %s", msg.Topic, truncate(string(msg.Value), 120)), true
	}
	ts := time.UnixMilli(ev.Timestamp).UTC().Format("15:04:05.000")
	prefix := fmt.Sprintf("%s %-8.8s %-18s", ts, ev.SessionID, ev.Type)

	switch ev.Type {
	case models.EventTranscriptReleased:
		var tr models.TranscriptReleased
		if json.Unmarshal(ev.Data, &tr) == nil {
			return fmt.Sprintf("%s #%d %q", prefix, tr.SequenceID, tr.Text), true
		}
	case models.EventProposalsUpdated:
		var pu models.ProposalsUpdated
		if json.Unmarshal(ev.Data, &pu) == nil {
			s := fmt.Sprintf("%s %d proposal(s)", prefix, len(pu.Proposals))
			for _, pr := range pu.Proposals {
				s += fmt.Sprintf("\n    %s %s %s %s [%s]", pr.ID, pr.Amount(), pr.Currency, pr.Merchant, pr.Status)
			}
			return s, true
		}
	case models.EventDecisionAck:
		var ack models.DecisionAck
		if json.Unmarshal(ev.Data, &ack) == nil {
			return fmt.Sprintf("%s %s %s ok=%t", prefix, ack.ID, ack.Decision, ack.OK), true
		}
	case models.EventDiagnostic:
		var d models.Diagnostic
		if json.Unmarshal(ev.Data, &d) == nil {
			switch {
			case d.SequenceID != nil && d.ThroughSequenceID != nil:
				prefix += fmt.Sprintf(" #%d-#%d", *d.SequenceID, *d.ThroughSequenceID)
			case d.SequenceID != nil:
				prefix += fmt.Sprintf(" #%d", *d.SequenceID)
			}
			return fmt.Sprintf("%s %s: %s", prefix, d.Kind, d.Reason), true
		}
	case models.EventError:
		var e models.ErrorPayload
		if json.Unmarshal(ev.Data, &e) == nil {
			return fmt.Sprintf("%s %s", prefix, e.Message), true
		}
	}
	return fmt.Sprintf("%s %s", prefix, truncate(string(ev.Data), 120)), true
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
