// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voice-expense-service/internal/models"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig
	HTTP          HTTPConfig
	STT           STTConfig
	Segmenter     SegmenterConfig
	SegmentLimits SegmentLimitsConfig
	Pipeline      PipelineConfig
	Understanding UnderstandingConfig
	Store         StoreConfig
	Kafka         KafkaConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal   string
	Environment string
	GRPCPort    string
}

type HTTPConfig struct {
	Port            string
	ShutdownTimeout time.Duration
}

type STTConfig struct {
	Provider          string // mock or google
	LanguageCode      string
	SampleRateHz      int
	AudioEncoding     string
	EnablePunctuation bool
	Model             string
}

type SegmenterConfig struct {
	PreRoll         time.Duration
	Settle          time.Duration
	MinSpeech       time.Duration
	MaxSegment      time.Duration
	EnergyThreshold float64
}

type SegmentLimitsConfig struct {
	MaxAudioBytes int64
	MaxDuration   time.Duration
}

type PipelineConfig struct {
	DispatchTimeout time.Duration
	GapTimeout      time.Duration
	ExpireInterval  time.Duration
	PassTimeout     time.Duration
	WindowSize      int
	MaxAhead        int64 // accepted sequence IDs ahead of the release cursor
}

type UnderstandingConfig struct {
	Provider        string // mock or openai
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	MaxRetries      int
	DefaultCurrency string
	CategoriesFile  string
}

type StoreConfig struct {
	Driver      string // memory or postgres
	DatabaseURL string
}

type KafkaConfig struct {
	Enabled          bool
	Async            bool
	Brokers          []string
	TopicTranscripts string
	TopicProposals   string
	TopicDiagnostics string
	Principal        string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsPort string
	SentryDSN   string
}

// Load reads configuration from the environment. Unparseable values fall
// back to defaults.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-voice-expense")

	return &Config{
		Service: ServiceConfig{
			Principal:   principal,
			Environment: envOrDefault("ENVIRONMENT", "development"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
		},
		HTTP: HTTPConfig{
			Port:            envOrDefault("HTTP_PORT", "8080"),
			ShutdownTimeout: envOrDefaultDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		STT: STTConfig{
			Provider:          envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:      envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:      envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			AudioEncoding:     envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			EnablePunctuation: envOrDefaultBool("STT_ENABLE_PUNCTUATION", true),
			Model:             envOrDefault("STT_MODEL", ""),
		},
		Segmenter: SegmenterConfig{
			PreRoll:         envOrDefaultDuration("SEGMENT_PRE_ROLL", 200*time.Millisecond),
			Settle:          envOrDefaultDuration("SEGMENT_SETTLE", 300*time.Millisecond),
			MinSpeech:       envOrDefaultDuration("SEGMENT_MIN_SPEECH", 150*time.Millisecond),
			MaxSegment:      envOrDefaultDuration("SEGMENT_MAX_LENGTH", 30*time.Second),
			EnergyThreshold: envOrDefaultFloat("SEGMENT_ENERGY_THRESHOLD", 0),
		},
		SegmentLimits: SegmentLimitsConfig{
			MaxAudioBytes: envOrDefaultInt64("SEGMENT_MAX_AUDIO_BYTES", 5*1024*1024),
			MaxDuration:   envOrDefaultDuration("SEGMENT_MAX_DURATION", time.Minute),
		},
		Pipeline: PipelineConfig{
			DispatchTimeout: envOrDefaultDuration("DISPATCH_TIMEOUT", 5*time.Second),
			GapTimeout:      envOrDefaultDuration("REORDER_GAP_TIMEOUT", 5*time.Second),
			ExpireInterval:  envOrDefaultDuration("REORDER_EXPIRE_INTERVAL", 500*time.Millisecond),
			PassTimeout:     envOrDefaultDuration("PASS_TIMEOUT", 30*time.Second),
			WindowSize:      envOrDefaultInt("MESSAGE_WINDOW_SIZE", 20),
			MaxAhead:        envOrDefaultInt64("REORDER_MAX_AHEAD", 1024),
		},
		Understanding: UnderstandingConfig{
			Provider:        envOrDefault("UNDERSTANDING_PROVIDER", "mock"),
			APIKey:          os.Getenv("OPENAI_API_KEY"),
			BaseURL:         envOrDefault("OPENAI_BASE_URL", ""),
			Model:           envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
			Timeout:         envOrDefaultDuration("UNDERSTANDING_TIMEOUT", 15*time.Second),
			MaxRetries:      envOrDefaultInt("UNDERSTANDING_MAX_RETRIES", 2),
			DefaultCurrency: envOrDefault("DEFAULT_CURRENCY", "USD"),
			CategoriesFile:  envOrDefault("CATEGORIES_FILE", ""),
		},
		Store: StoreConfig{
			Driver:      envOrDefault("STORE_DRIVER", "memory"),
			DatabaseURL: envOrDefault("DATABASE_URL", ""),
		},
		Kafka: KafkaConfig{
			Enabled:          envOrDefaultBool("KAFKA_ENABLED", false),
			Async:            envOrDefaultBool("KAFKA_ASYNC", true),
			Brokers:          envOrDefaultList("KAFKA_BROKERS", nil),
			TopicTranscripts: envOrDefault("KAFKA_TOPIC_TRANSCRIPTS", "expense.transcripts.v1"),
			TopicProposals:   envOrDefault("KAFKA_TOPIC_PROPOSALS", "expense.proposals.v1"),
			TopicDiagnostics: envOrDefault("KAFKA_TOPIC_DIAGNOSTICS", "expense.diagnostics.v1"),
			Principal:        envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Auth: AuthConfig{
			JWTSecret: envOrDefault("JWT_SECRET", ""),
			Issuer:    envOrDefault("JWT_ISSUER", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
			SentryDSN:   envOrDefault("SENTRY_DSN", ""),
		},
	}
}

// Validate reports settings that make the service unable to start.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.STT.Provider {
	case "mock", "google":
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STT.Provider)
	}
	switch c.Understanding.Provider {
	case "mock":
	case "openai":
		if c.Understanding.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown UNDERSTANDING_PROVIDER %q", c.Understanding.Provider)
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	return nil
}

// DefaultCategories is used when no categories file is configured.
var DefaultCategories = []models.Category{
	{Name: "Food & Dining", Keywords: []string{"coffee", "lunch", "dinner", "breakfast", "restaurant", "cafe", "pizza", "burger"}},
	{Name: "Groceries", Keywords: []string{"grocery", "groceries", "supermarket", "market"}},
	{Name: "Transport", Keywords: []string{"uber", "lyft", "taxi", "cab", "bus", "train", "metro", "airport", "parking"}},
	{Name: "Fuel", Keywords: []string{"gas", "fuel", "petrol", "diesel"}},
	{Name: "Shopping", Keywords: []string{"clothes", "shoes", "amazon", "store"}},
	{Name: "Entertainment", Keywords: []string{"movie", "movies", "cinema", "concert", "tickets", "netflix"}},
	{Name: "Utilities", Keywords: []string{"electricity", "water", "internet", "phone"}},
	{Name: "Health", Keywords: []string{"pharmacy", "doctor", "dentist", "medicine"}},
	{Name: "Travel", Keywords: []string{"hotel", "flight", "airbnb"}},
}

type categoriesFile struct {
	Categories []models.Category `yaml:"categories"`
}

// LoadCategories reads the category list from a YAML file. An empty path
// returns DefaultCategories.
func LoadCategories(path string) ([]models.Category, error) {
	if path == "" {
		return DefaultCategories, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read categories: %w", err)
	}
	return ParseCategories(data)
}

// ParseCategories decodes a categories document. Names must be unique and non-empty.
func ParseCategories(data []byte) ([]models.Category, error) {
	var f categoriesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse categories: %w", err)
	}
	if len(f.Categories) == 0 {
		return nil, fmt.Errorf("parse categories: no categories defined")
	}
	seen := make(map[string]bool, len(f.Categories))
	for i, c := range f.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("parse categories: entry %d has no name", i)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return nil, fmt.Errorf("parse categories: duplicate %q", name)
		}
		seen[key] = true
		f.Categories[i].Name = name
		for j, kw := range c.Keywords {
			f.Categories[i].Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	return f.Categories, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
