package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voice-expense-service/internal/app"
	"voice-expense-service/internal/config"
	"voice-expense-service/internal/models"
)

func newTestApp(t *testing.T) *app.Application {
	t.Helper()
	cfg := config.Load()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.Issuer = ""
	cfg.STT.Provider = "mock"
	cfg.Understanding.Provider = "mock"
	cfg.Understanding.CategoriesFile = ""
	cfg.Store.Driver = "memory"
	cfg.Kafka.Enabled = false
	cfg.Observability.LogLevel = "error"

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a
}

func TestRouter_Probes(t *testing.T) {
	h := NewRouter(newTestApp(t))

	for _, path := range []string{"/v1/liveness", "/v1/readiness"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestRouter_WebSocketRequiresToken(t *testing.T) {
	h := NewRouter(newTestApp(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRouter_GetProposal(t *testing.T) {
	a := newTestApp(t)
	h := NewRouter(a)

	p := models.Proposal{
		ID:          "8f2c1a8e-3a55-4bd3-9a3f-000000000001",
		UserID:      "user-1",
		AmountCents: 4000,
		Currency:    "USD",
		Merchant:    "Blue Bottle",
		Date:        models.TruncateDay(time.Now()),
		Status:      models.StatusPendingReview,
	}
	if err := a.Store.Insert(context.Background(), p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	owner, _ := a.Verifier.Issue("user-1", time.Hour)
	other, _ := a.Verifier.Issue("user-2", time.Hour)

	tests := []struct {
		name  string
		id    string
		token string
		want  int
	}{
		{"no token", p.ID, "", http.StatusUnauthorized},
		{"owner", p.ID, owner, http.StatusOK},
		{"other user", p.ID, other, http.StatusNotFound},
		{"unknown id", "missing", owner, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/proposals/"+tt.id, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusOK {
				var got models.Proposal
				if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.Merchant != "Blue Bottle" {
					t.Errorf("unexpected body %s (%v)", rec.Body.String(), err)
				}
			}
		})
	}
}
