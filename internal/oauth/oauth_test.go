package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/conciergelabs/concierge/internal/users"
)

func newTestService(t *testing.T) (*Service, *users.Store) {
	t.Helper()
	store, err := users.NewStore(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService("client-id", "client-secret", "https://concierge.example/oauth/google/callback", store, nil), store
}

func TestAuthURL(t *testing.T) {
	svc, _ := newTestService(t)

	raw := svc.AuthURL("user-123")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("AuthURL is not a URL: %v", err)
	}

	q := u.Query()
	if q.Get("state") != "user-123" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type = %q, refresh tokens need offline", q.Get("access_type"))
	}
	if q.Get("prompt") != "consent" {
		t.Errorf("prompt = %q", q.Get("prompt"))
	}
	if !strings.Contains(q.Get("scope"), "calendar") {
		t.Errorf("scope = %q, want calendar access", q.Get("scope"))
	}
}

func TestHandleCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			if err := r.ParseForm(); err != nil {
				t.Fatal(err)
			}
			if r.Form.Get("code") != "auth-code-1" {
				t.Errorf("code = %q", r.Form.Get("code"))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"access_token": "access-1",
				"refresh_token": "refresh-1",
				"token_type": "Bearer",
				"expires_in": 3600
			}`))
		case "/userinfo":
			if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer access-1") {
				t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"email": "alice@example.com"}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, store := newTestService(t)
	svc.config.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}
	svc.userinfoURL = srv.URL + "/userinfo"

	user, err := svc.HandleCallback(context.Background(), "auth-code-1")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Errorf("Email = %q", user.Email)
	}
	if user.AccessToken != "access-1" || user.RefreshToken != "refresh-1" {
		t.Errorf("tokens = %q/%q", user.AccessToken, user.RefreshToken)
	}

	stored, err := store.GetByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("user not persisted: %v", err)
	}
	if stored.ID != user.ID {
		t.Errorf("stored ID = %q, want %q", stored.ID, user.ID)
	}
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	svc, _ := newTestService(t)
	svc.config.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	if _, err := svc.HandleCallback(context.Background(), "bad-code"); err == nil {
		t.Fatal("expected error for rejected code")
	}
}
