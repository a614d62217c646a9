package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"voice-expense-service/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.STT.Provider = "mock"
	cfg.Understanding.Provider = "mock"
	cfg.Understanding.CategoriesFile = ""
	cfg.Store.Driver = "memory"
	cfg.Kafka.Enabled = false
	cfg.Observability.LogLevel = "error"
	return cfg
}

func TestNew_MockStack(t *testing.T) {
	a, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown()

	if a.Store == nil || a.Sessions == nil || a.WS == nil || a.Verifier == nil || a.Publisher == nil {
		t.Fatalf("expected all components wired, got %+v", a)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.StartupTime.IsZero() {
		t.Error("expected startup time set")
	}
	if err := a.Ready(context.Background()); err != nil {
		t.Errorf("expected memory store ready, got %v", err)
	}

	s := a.Sessions.Create("user-1")
	if a.Sessions.Active() != 1 {
		t.Fatalf("expected 1 active session, got %d", a.Sessions.Active())
	}
	a.Shutdown()
	<-s.Done()
}

func TestNew_Errors(t *testing.T) {
	missing := testConfig()
	missing.Understanding.CategoriesFile = filepath.Join(t.TempDir(), "missing.yaml")

	badCats := testConfig()
	path := filepath.Join(t.TempDir(), "cats.yaml")
	if err := os.WriteFile(path, []byte("categories: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	badCats.Understanding.CategoriesFile = path

	openaiNoKey := testConfig()
	openaiNoKey.Understanding.Provider = "openai"
	openaiNoKey.Understanding.APIKey = ""

	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{"missing categories file", missing},
		{"empty categories", badCats},
		{"openai without key", openaiNoKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
