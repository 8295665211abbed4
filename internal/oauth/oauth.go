// Package oauth runs the Google authorization-code flow that connects
// a user's calendar, and keeps their tokens fresh afterwards.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/conciergelabs/concierge/internal/users"
)

const googleUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// Scopes requested from Google: calendar read/write plus the email to
// key the user record on.
var scopes = []string{
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Service drives the OAuth flow and hands out authorized HTTP clients.
type Service struct {
	config      *oauth2.Config
	store       *users.Store
	logger      *slog.Logger
	userinfoURL string
}

// NewService creates the OAuth service for a Google app.
func NewService(clientID, clientSecret, redirectURL string, store *users.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		store:       store,
		logger:      logger.With("component", "oauth"),
		userinfoURL: googleUserinfoURL,
	}
}

// AuthURL returns the consent page URL. access_type=offline plus
// prompt=consent makes Google return a refresh token even for users
// who authorized before.
func (s *Service) AuthURL(state string) string {
	return s.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// HandleCallback exchanges the authorization code, resolves the
// account's email, and stores the user with their tokens.
func (s *Service) HandleCallback(ctx context.Context, code string) (*users.User, error) {
	token, err := s.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	email, err := s.fetchEmail(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("fetch account email: %w", err)
	}

	user, err := s.store.Upsert(ctx, &users.User{
		Email:        email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenExpiry:  token.Expiry,
	})
	if err != nil {
		return nil, fmt.Errorf("store user: %w", err)
	}

	s.logger.Info("calendar connected", "user_id", user.ID, "email", email)
	return user, nil
}

// HTTPClient returns an HTTP client that authorizes requests as the
// given user and persists any token refresh back to the store.
func (s *Service) HTTPClient(ctx context.Context, u *users.User) *http.Client {
	stored := &oauth2.Token{
		AccessToken:  u.AccessToken,
		RefreshToken: u.RefreshToken,
		Expiry:       u.TokenExpiry,
	}

	ts := &persistingTokenSource{
		base:   s.config.TokenSource(ctx, stored),
		store:  s.store,
		userID: u.ID,
		logger: s.logger,
		last:   stored,
	}
	return oauth2.NewClient(ctx, ts)
}

func (s *Service) fetchEmail(ctx context.Context, token *oauth2.Token) (string, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	client.Timeout = 15 * time.Second

	req, err := http.NewRequestWithContext(ctx, "GET", s.userinfoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned status %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response has no email")
	}
	return info.Email, nil
}

// persistingTokenSource writes refreshed tokens back to the user store
// so a restart does not lose them.
type persistingTokenSource struct {
	base   oauth2.TokenSource
	store  *users.Store
	userID string
	logger *slog.Logger

	mu   sync.Mutex
	last *oauth2.Token
}

func (ts *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.base.Token()
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	prev := ts.last
	if prev != nil && token.AccessToken == prev.AccessToken {
		return token, nil
	}
	ts.last = token

	// Google omits the refresh token on refresh responses; keep the
	// one we already have.
	refresh := token.RefreshToken
	if refresh == "" && prev != nil {
		refresh = prev.RefreshToken
	}
	if err := ts.store.UpdateTokens(context.Background(), ts.userID, token.AccessToken, refresh, token.Expiry); err != nil {
		// The refreshed token still works for this process; losing the
		// persisted copy only costs a re-auth after restart.
		ts.logger.Warn("failed to persist refreshed token", "user_id", ts.userID, "error", err)
	} else {
		ts.logger.Debug("refreshed token persisted", "user_id", ts.userID)
	}
	return token, nil
}
