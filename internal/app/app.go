// Package app assembles the service from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voice-expense-service/internal/api/ws"
	"voice-expense-service/internal/auth"
	"voice-expense-service/internal/config"
	"voice-expense-service/internal/events"
	"voice-expense-service/internal/observability/logging"
	"voice-expense-service/internal/schema"
	"voice-expense-service/internal/service/proposal"
	"voice-expense-service/internal/service/session"
	"voice-expense-service/internal/service/stt"
	sttgoogle "voice-expense-service/internal/service/stt/google"
	sttmock "voice-expense-service/internal/service/stt/mock"
	"voice-expense-service/internal/service/understanding"
	umock "voice-expense-service/internal/service/understanding/mock"
	uopenai "voice-expense-service/internal/service/understanding/openai"
	"voice-expense-service/internal/store"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Store     store.Store
	Publisher *events.Publisher
	Sessions  *session.Manager
	Verifier  *auth.Verifier
	WS        *ws.Handler

	closers []func()
}

// New builds every component named in cfg. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})

	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	var err error
	if a.Store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)

	transcriber, err := newTranscriber(ctx, cfg.STT)
	if err != nil {
		return nil, err
	}
	if c, ok := transcriber.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func() { _ = c.Close() })
	}

	understander, err := newUnderstander(cfg.Understanding)
	if err != nil {
		return nil, err
	}

	categories, err := config.LoadCategories(cfg.Understanding.CategoriesFile)
	if err != nil {
		return nil, err
	}

	a.Publisher = events.New(&events.Config{
		Enabled:          cfg.Kafka.Enabled,
		Async:            cfg.Kafka.Async,
		Brokers:          cfg.Kafka.Brokers,
		TopicTranscripts: cfg.Kafka.TopicTranscripts,
		TopicProposals:   cfg.Kafka.TopicProposals,
		TopicDiagnostics: cfg.Kafka.TopicDiagnostics,
		Principal:        cfg.Kafka.Principal,
	})
	a.closers = append(a.closers, func() {
		if err := a.Publisher.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing publisher")
		}
	})

	generator := proposal.NewGenerator(understander, a.Store, proposal.Config{
		Categories:      categories,
		DefaultCurrency: cfg.Understanding.DefaultCurrency,
	}, log.Logger)

	a.Sessions = session.NewManager(session.Config{
		DispatchTimeout: cfg.Pipeline.DispatchTimeout,
		GapTimeout:      cfg.Pipeline.GapTimeout,
		ExpireInterval:  cfg.Pipeline.ExpireInterval,
		WindowSize:      cfg.Pipeline.WindowSize,
		PassTimeout:     cfg.Pipeline.PassTimeout,
		MaxAhead:        cfg.Pipeline.MaxAhead,
	}, session.Deps{
		Transcriber: transcriber,
		Generator:   generator,
		Store:       a.Store,
		Observers:   []session.Listener{a.Publisher.Observe},
	}, log.Logger)

	validator, err := schema.New()
	if err != nil {
		return nil, err
	}
	a.Verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	a.WS = ws.NewHandler(a.Sessions, a.Verifier, validator, ws.Limits{
		MaxAudioBytes: int(cfg.SegmentLimits.MaxAudioBytes),
	})

	a.Logger.Info().
		Str("stt", transcriber.Name()).
		Str("understanding", understander.Name()).
		Str("store", cfg.Store.Driver).
		Int("categories", len(categories)).
		Msg("Voice expense service application created")
	built = true
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemory(), nil
	}
}

func newTranscriber(ctx context.Context, cfg config.STTConfig) (stt.Transcriber, error) {
	switch cfg.Provider {
	case "google":
		t, err := sttgoogle.New(ctx, sttgoogle.Config{
			LanguageCode:      cfg.LanguageCode,
			SampleRateHz:      cfg.SampleRateHz,
			AudioEncoding:     cfg.AudioEncoding,
			EnablePunctuation: cfg.EnablePunctuation,
			Model:             cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("create google transcriber: %w", err)
		}
		return t, nil
	default:
		return sttmock.New(), nil
	}
}

func newUnderstander(cfg config.UnderstandingConfig) (understanding.Understander, error) {
	switch cfg.Provider {
	case "openai":
		oc := uopenai.DefaultConfig()
		oc.APIKey = cfg.APIKey
		oc.BaseURL = cfg.BaseURL
		if cfg.Model != "" {
			oc.Model = cfg.Model
		}
		oc.Timeout = cfg.Timeout
		oc.MaxRetries = cfg.MaxRetries
		c, err := uopenai.New(oc)
		if err != nil {
			return nil, fmt.Errorf("create openai understander: %w", err)
		}
		return c, nil
	default:
		return umock.New(), nil
	}
}

// Ready reports whether dependencies are reachable.
func (a *Application) Ready(ctx context.Context) error {
	return a.Store.Ping(ctx)
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Voice expense service starting")
	return nil
}

// Shutdown stops every session and releases dependencies.
func (a *Application) Shutdown() {
	a.Logger.Info().Int("activeSessions", a.Sessions.Active()).Msg("Voice expense service shutting down")
	a.Sessions.StopAll()
	a.close()
}

func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
