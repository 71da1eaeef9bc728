package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/anicoll/moen-integration/internal/pkg/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRefreshFailed      = errors.New("credential refresh failed")
)

// Session is the authenticated cloud session shared by the REST client and
// the realtime channel auth exchange.
type Session struct {
	Token     string
	Expiry    time.Time
	AccountID string
}

func (s Session) valid(now time.Time) bool {
	return s.Token != "" && now.Add(expirySlack).Before(s.Expiry)
}

// expirySlack refreshes slightly early so in-flight requests do not race the
// server-side expiry.
const expirySlack = 30 * time.Second

// fallbackTTL is used when the auth response carries no expiry and the token
// is not a decodable JWT.
const fallbackTTL = 12 * time.Hour

// Manager owns the account session. At most one refresh is in flight;
// concurrent callers await it rather than triggering duplicates.
type Manager struct {
	cfg    *config.CloudConfig
	client *http.Client
	logger *zap.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	session Session
}

func NewManager(cfg *config.CloudConfig) *Manager {
	return &Manager{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: zap.L(),
	}
}

// Authenticate performs a fresh login, replacing any stored session.
func (m *Manager) Authenticate(ctx context.Context) (Session, error) {
	return m.refresh(ctx)
}

// EnsureValid returns the current session, refreshing first if it is missing
// or about to expire.
func (m *Manager) EnsureValid(ctx context.Context) (Session, error) {
	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()
	if session.valid(time.Now()) {
		return session, nil
	}
	return m.refresh(ctx)
}

// Invalidate discards the stored session if it still carries the given
// token. A caller that saw an authorization failure uses this before
// EnsureValid so that a session already replaced by a concurrent refresh is
// not thrown away.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Token == token {
		m.session = Session{}
	}
}

func (m *Manager) refresh(ctx context.Context) (Session, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		// every waiter shares this login; the first caller's cancellation
		// must not fail the others. The client timeout still bounds it.
		session, err := m.login(context.WithoutCancel(ctx))
		if err != nil {
			return Session{}, err
		}
		m.mu.Lock()
		m.session = session
		m.mu.Unlock()
		return session, nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	return v.(Session), nil
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	AccountID string `json:"account_id"`
}

func (m *Manager) login(ctx context.Context) (Session, error) {
	body, err := json.Marshal(authRequest{
		Email:    m.cfg.Email,
		Password: m.cfg.Password,
	})
	if err != nil {
		return Session{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := m.client.Do(req)
	if err != nil {
		return Session{}, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return Session{}, ErrInvalidCredentials
	case res.StatusCode != http.StatusOK:
		return Session{}, fmt.Errorf("login returned status %d", res.StatusCode)
	}

	var payload authResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Session{}, err
	}
	if payload.Token == "" {
		return Session{}, errors.New("login response carried no token")
	}

	session := Session{
		Token:     payload.Token,
		AccountID: payload.AccountID,
		Expiry:    tokenExpiry(payload),
	}
	m.logger.Debug("authenticated with cloud",
		zap.String("account_id", session.AccountID),
		zap.Time("expiry", session.Expiry))
	return session, nil
}

// tokenExpiry prefers the explicit expiry from the response, then the
// token's own exp claim. The claim is read without verification; the token
// is opaque to us and only the deadline matters.
func tokenExpiry(payload authResponse) time.Time {
	if payload.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, payload.ExpiresAt); err == nil {
			return t
		}
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(payload.Token, &claims); err == nil {
		if claims.ExpiresAt != nil {
			return claims.ExpiresAt.Time
		}
	}
	return time.Now().Add(fallbackTTL)
}
