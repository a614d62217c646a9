package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear relevant env vars
	envVars := []string{
		"SERVICE_PRINCIPAL", "GRPC_PORT", "HTTP_PORT", "LOG_LEVEL",
		"STT_PROVIDER", "STT_LANGUAGE_CODE", "STT_SAMPLE_RATE_HZ", "STT_AUDIO_ENCODING",
		"SEGMENT_MAX_AUDIO_BYTES", "SEGMENT_MAX_DURATION", "SEGMENT_SETTLE",
		"REORDER_GAP_TIMEOUT", "DISPATCH_TIMEOUT", "MESSAGE_WINDOW_SIZE",
		"UNDERSTANDING_PROVIDER", "STORE_DRIVER", "KAFKA_ENABLED", "KAFKA_BROKERS",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg := Load()

	if cfg.Service.Principal != "svc-voice-expense" {
		t.Errorf("expected default principal 'svc-voice-expense', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default port '50051', got %s", cfg.Service.GRPCPort)
	}
	if cfg.HTTP.Port != "8080" {
		t.Errorf("expected default http port '8080', got %s", cfg.HTTP.Port)
	}

	if cfg.STT.Provider != "mock" {
		t.Errorf("expected default STT provider 'mock', got %s", cfg.STT.Provider)
	}
	if cfg.STT.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.STT.LanguageCode)
	}
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.STT.AudioEncoding)
	}

	if cfg.Segmenter.Settle != 300*time.Millisecond {
		t.Errorf("expected default settle 300ms, got %v", cfg.Segmenter.Settle)
	}
	if cfg.SegmentLimits.MaxAudioBytes != 5*1024*1024 {
		t.Errorf("expected default max audio bytes 5MB, got %d", cfg.SegmentLimits.MaxAudioBytes)
	}
	if cfg.SegmentLimits.MaxDuration != time.Minute {
		t.Errorf("expected default max duration 1m, got %v", cfg.SegmentLimits.MaxDuration)
	}

	if cfg.Pipeline.DispatchTimeout != 5*time.Second || cfg.Pipeline.GapTimeout != 5*time.Second {
		t.Errorf("expected 5s dispatch and gap timeouts, got %v / %v", cfg.Pipeline.DispatchTimeout, cfg.Pipeline.GapTimeout)
	}
	if cfg.Pipeline.WindowSize != 20 {
		t.Errorf("expected default window size 20, got %d", cfg.Pipeline.WindowSize)
	}
	if cfg.Pipeline.MaxAhead != 1024 {
		t.Errorf("expected default reorder window 1024, got %d", cfg.Pipeline.MaxAhead)
	}

	if cfg.Understanding.Provider != "mock" || cfg.Store.Driver != "memory" {
		t.Errorf("expected mock understanding and memory store, got %s / %s", cfg.Understanding.Provider, cfg.Store.Driver)
	}
	if cfg.Kafka.Enabled || cfg.Kafka.Brokers != nil {
		t.Errorf("expected Kafka disabled without brokers, got %+v", cfg.Kafka)
	}

	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("GRPC_PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STT_PROVIDER", "google")
	t.Setenv("STT_SAMPLE_RATE_HZ", "8000")
	t.Setenv("SEGMENT_MAX_AUDIO_BYTES", "10485760")
	t.Setenv("SEGMENT_MAX_DURATION", "10m")
	t.Setenv("REORDER_GAP_TIMEOUT", "2s")
	t.Setenv("SEGMENT_ENERGY_THRESHOLD", "750.5")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-0:9092, kafka-1:9092,,")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/expenses")

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.STT.Provider != "google" || cfg.STT.SampleRateHz != 8000 {
		t.Errorf("unexpected STT config %+v", cfg.STT)
	}
	if cfg.SegmentLimits.MaxAudioBytes != 10485760 {
		t.Errorf("expected max audio bytes 10485760, got %d", cfg.SegmentLimits.MaxAudioBytes)
	}
	if cfg.SegmentLimits.MaxDuration != 10*time.Minute {
		t.Errorf("expected max duration 10m, got %v", cfg.SegmentLimits.MaxDuration)
	}
	if cfg.Pipeline.GapTimeout != 2*time.Second {
		t.Errorf("expected gap timeout 2s, got %v", cfg.Pipeline.GapTimeout)
	}
	if cfg.Segmenter.EnergyThreshold != 750.5 {
		t.Errorf("expected energy threshold 750.5, got %v", cfg.Segmenter.EnergyThreshold)
	}
	if want := []string{"kafka-0:9092", "kafka-1:9092"}; !reflect.DeepEqual(cfg.Kafka.Brokers, want) {
		t.Errorf("expected brokers %v, got %v", want, cfg.Kafka.Brokers)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DatabaseURL == "" {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	t.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	t.Setenv("STT_ENABLE_PUNCTUATION", "invalid")
	t.Setenv("SEGMENT_MAX_AUDIO_BYTES", "invalid")
	t.Setenv("SEGMENT_MAX_DURATION", "invalid")
	t.Setenv("MESSAGE_WINDOW_SIZE", "lots")

	cfg := Load()

	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.EnablePunctuation != true {
		t.Errorf("expected default punctuation on invalid input, got %v", cfg.STT.EnablePunctuation)
	}
	if cfg.SegmentLimits.MaxAudioBytes != 5*1024*1024 {
		t.Errorf("expected default max audio bytes on invalid input, got %d", cfg.SegmentLimits.MaxAudioBytes)
	}
	if cfg.SegmentLimits.MaxDuration != time.Minute {
		t.Errorf("expected default max duration on invalid input, got %v", cfg.SegmentLimits.MaxDuration)
	}
	if cfg.Pipeline.WindowSize != 20 {
		t.Errorf("expected default window size on invalid input, got %d", cfg.Pipeline.WindowSize)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "my-service")
	os.Unsetenv("KAFKA_PRINCIPAL")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := Load()
		c.Auth.JWTSecret = "secret"
		c.STT.Provider = "mock"
		c.Understanding.Provider = "mock"
		c.Store.Driver = "memory"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, true},
		{"unknown stt", func(c *Config) { c.STT.Provider = "whisper" }, true},
		{"openai without key", func(c *Config) { c.Understanding.Provider = "openai"; c.Understanding.APIKey = "" }, true},
		{"openai with key", func(c *Config) { c.Understanding.Provider = "openai"; c.Understanding.APIKey = "sk-test" }, false},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DatabaseURL = "" }, true},
		{"unknown store", func(c *Config) { c.Store.Driver = "redis" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCategories(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		cats, err := LoadCategories("")
		if err != nil {
			t.Fatalf("LoadCategories: %v", err)
		}
		if len(cats) != len(DefaultCategories) {
			t.Errorf("expected defaults, got %d categories", len(cats))
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "categories.yaml")
		doc := "categories:\n  - name: \" Coffee \"\n    keywords: [Espresso, latte]\n  - name: Books\n"
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
		cats, err := LoadCategories(path)
		if err != nil {
			t.Fatalf("LoadCategories: %v", err)
		}
		if len(cats) != 2 || cats[0].Name != "Coffee" || cats[0].Keywords[0] != "espresso" || cats[1].Name != "Books" {
			t.Errorf("unexpected categories %+v", cats)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadCategories(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestParseCategories_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "categories: [\n"},
		{"empty", "categories: []\n"},
		{"no name", "categories:\n  - keywords: [a]\n"},
		{"duplicate", "categories:\n  - name: Food\n  - name: food\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCategories([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestEnvOrDefaultList(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected []string
	}{
		{"single", "a", []string{"a"}},
		{"trimmed", " a , b ", []string{"a", "b"}},
		{"only separators", ",,", []string{"fallback"}},
		{"empty", "", []string{"fallback"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_LIST_VAR", tt.envValue)
			got := envOrDefaultList("TEST_LIST_VAR", []string{"fallback"})
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("envOrDefaultList(%q) = %v, want %v", tt.envValue, got, tt.expected)
			}
		})
	}
}
