// Command audioclient segments a WAV file locally and streams the segments
// to the session channel, printing transcripts and proposals as they arrive.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"voice-expense-service/internal/auth"
	"voice-expense-service/internal/config"
	"voice-expense-service/internal/models"
	"voice-expense-service/internal/observability/logging"
	"voice-expense-service/internal/service/audio"
	"voice-expense-service/internal/service/segment"
)

const frameDuration = 20 * time.Millisecond

func main() {
	audioFile := flag.String("audio", "testdata/expenses-16khz.wav", "Path to WAV file (16-bit mono PCM)")
	serverURL := flag.String("server", "ws://localhost:8080/v1/sessions/ws", "Session channel URL")
	token := flag.String("token", "", "Bearer token (minted from -secret when empty)")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HMAC secret used to mint a token")
	userID := flag.String("user", "demo-user", "User ID for a minted token")
	realtime := flag.Bool("realtime", true, "Pace frames at capture speed")
	settle := flag.Duration("settle", 10*time.Second, "How long to wait for proposals after the last ack")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *token == "" {
		if *secret == "" {
			log.Fatal().Msg("Either -token or -secret is required")
		}
		t, err := auth.NewVerifier(*secret, os.Getenv("JWT_ISSUER")).Issue(*userID, time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to mint token")
		}
		*token = t
	}

	src, err := audio.OpenWAV(*audioFile, frameDuration)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio")
	}
	defer src.Close()
	if *realtime {
		src.WithPace(frameDuration)
	}
	log.Info().
		Uint32("sampleRate", src.Format.SampleRate).
		Uint16("channels", src.Format.Channels).
		Msg("WAV file opened")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+*token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *serverURL, header)
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverURL).Msg("Failed to connect")
	}
	defer conn.Close()

	c := newClient(conn)
	go c.readLoop()

	cfg := config.Load()
	segCfg := segment.DefaultConfig()
	segCfg.SampleRate = int(src.Format.SampleRate)
	segCfg.FrameDuration = frameDuration
	segCfg.PreRoll = cfg.Segmenter.PreRoll
	segCfg.Settle = cfg.Segmenter.Settle
	segCfg.MinSpeech = cfg.Segmenter.MinSpeech
	segCfg.MaxSegment = cfg.Segmenter.MaxSegment

	segmenter := segment.NewSegmenter(segCfg, segment.NewEnergyDetector(cfg.Segmenter.EnergyThreshold), segment.New())
	handler := audio.NewHandlerWithLimits(segmenter, c, log.Logger, audio.SegmentLimits{
		MaxAudioBytes: cfg.SegmentLimits.MaxAudioBytes,
		MaxDuration:   cfg.SegmentLimits.MaxDuration,
	})
	handler.SetDropHandler(func(d audio.Drop) {
		log.Warn().Str("reason", d.Reason).Bool("discarded", d.Discarded).Msg("Segment not sent")
	})

	if err := handler.Run(ctx, src); err != nil {
		log.Error().Err(err).Msg("Capture failed")
	}
	stats := handler.Stats()
	log.Info().Interface("stats", stats).Msg("Capture finished, waiting for acks")

	c.waitAcks(ctx, 30*time.Second)
	c.waitIdle(ctx, *settle)

	if err := c.send(models.EventSessionStopped, struct{}{}); err != nil {
		log.Error().Err(err).Msg("Failed to stop session")
	}
	select {
	case <-c.closed:
	case <-time.After(5 * time.Second):
	}

	c.printSummary()
}

// client implements audio.Submitter over the session channel.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[int64]bool
	proposals  []models.Proposal
	processing bool
	lastEvent  time.Time
	closed     chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:    conn,
		pending: make(map[int64]bool),
		closed:  make(chan struct{}),
	}
}

func (c *client) Submit(ctx context.Context, seg segment.Segment) error {
	c.mu.Lock()
	c.pending[seg.SequenceID] = true
	c.mu.Unlock()

	log.Info().
		Int64("sequenceId", seg.SequenceID).
		Int("bytes", len(seg.Audio)).
		Dur("speech", seg.SpeechDuration).
		Msg("Sending segment")
	return c.send(models.EventSegmentSubmitted, models.SegmentSubmitted{
		SequenceID: seg.SequenceID,
		Audio:      seg.Audio,
		Timestamp:  seg.CapturedAt.UnixMilli(),
	})
}

func (c *client) send(t models.EventType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(models.Envelope{Type: t, Data: raw})
}

type inbound struct {
	Type models.EventType `json:"type"`
	Data json.RawMessage  `json:"data"`
}

func (c *client) readLoop() {
	defer close(c.closed)
	for {
		var ev inbound
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}
		c.mu.Lock()
		c.lastEvent = time.Now()
		c.mu.Unlock()

		switch ev.Type {
		case models.EventSegmentAck:
			var ack models.SegmentAck
			if json.Unmarshal(ev.Data, &ack) == nil {
				c.mu.Lock()
				delete(c.pending, ack.SequenceID)
				c.mu.Unlock()
				if ack.OK {
					log.Info().Int64("sequenceId", ack.SequenceID).Str("text", ack.Text).Msg("Segment transcribed")
				} else {
					log.Warn().Int64("sequenceId", ack.SequenceID).Str("error", ack.Error).Msg("Segment failed")
				}
			}
		case models.EventTranscriptReleased:
			var tr models.TranscriptReleased
			if json.Unmarshal(ev.Data, &tr) == nil {
				fmt.Printf("[%d] %s\n", tr.SequenceID, tr.Text)
			}
		case models.EventProposalsUpdated:
			var pu models.ProposalsUpdated
			if json.Unmarshal(ev.Data, &pu) == nil {
				c.mu.Lock()
				c.proposals = pu.Proposals
				c.mu.Unlock()
				log.Info().Int("proposals", len(pu.Proposals)).Msg("Proposals updated")
			}
		case models.EventStateChanged:
			var sc models.StateChanged
			if json.Unmarshal(ev.Data, &sc) == nil {
				c.mu.Lock()
				c.processing = sc.Snapshot.IsProcessing
				c.mu.Unlock()
			}
		case models.EventDiagnostic, models.EventError:
			log.Warn().RawJSON("data", ev.Data).Str("type", string(ev.Type)).Msg("Server reported")
		}
	}
}

func (c *client) waitAcks(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		c.mu.Lock()
		n := len(c.pending)
		c.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Warn().Msg("Timed out waiting for segment acks")
}

// waitIdle waits until no pass is in progress and the channel has been
// quiet for a moment, or timeout.
func (c *client) waitIdle(ctx context.Context, timeout time.Duration) {
	const quiet = 500 * time.Millisecond
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		c.mu.Lock()
		done := !c.processing && time.Since(c.lastEvent) > quiet
		c.mu.Unlock()
		if done {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (c *client) printSummary() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Printf("\n%d proposal(s):\n", len(c.proposals))
	for _, p := range c.proposals {
		fmt.Printf("  %-36s %10s %s  %-20s %-15s %s\n",
			p.ID, p.Amount(), p.Currency, p.Merchant, p.Category, p.Date.Format(models.DateLayout))
	}
}
