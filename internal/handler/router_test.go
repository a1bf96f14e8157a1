package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/tempro/internal/model"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) PingContext(ctx context.Context) error { return f.err }

func newTestRouter(db Pinger) http.Handler {
	return NewRouter(&RouterDeps{
		Logger:   slog.New(slog.NewJSONHandler(&strings.Builder{}, nil)),
		APIToken: "secret-token",
		LeaseEngine: &fakeEngine{
			listFunc: func(ctx context.Context, ownerID string) ([]*model.Lease, error) {
				return []*model.Lease{sampleLease()}, nil
			},
		},
		MailboxService: &fakeMailbox{},
		Dispatcher:     &fakeDispatcher{},
		Stats:          &fakeStats{},
		DB:             db,
	})
}

func TestRouter_Health_OK(t *testing.T) {
	router := newTestRouter(&fakePinger{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouter_Health_DatabaseDown(t *testing.T) {
	router := newTestRouter(&fakePinger{err: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRouter_HealthSkipsAuth(t *testing.T) {
	router := newTestRouter(&fakePinger{})

	// トークンなしでもヘルスチェックは通る
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code == http.StatusUnauthorized {
		t.Error("ヘルスチェックは認証の外に置くべき")
	}
}

func TestRouter_APIRequiresToken(t *testing.T) {
	router := newTestRouter(&fakePinger{})

	req := httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.Header.Set("X-Owner-Id", "owner-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRouter_APIWithToken(t *testing.T) {
	router := newTestRouter(&fakePinger{})

	req := httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.Header.Set("X-Api-Token", "secret-token")
	req.Header.Set("X-Owner-Id", "owner-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "lease-1") {
		t.Errorf("リース一覧が返るべき: %s", rec.Body.String())
	}
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	router := newTestRouter(&fakePinger{})

	req := httptest.NewRequest(http.MethodPost, "/admin/broadcast", strings.NewReader(`{"message":"x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
