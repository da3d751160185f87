package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TokenProvider supplies the bearer token for API and realtime calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrAuthUnavailable
	}
	return string(t), nil
}

// DefaultRefreshMargin is how long before expiry a session is refreshed.
const DefaultRefreshMargin = 60 * time.Second

// ============================================================================
// Session
// ============================================================================

// Session is an authenticated visitor session.
type Session struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type,omitempty"`
	ExpiresIn    int64       `json:"expires_in,omitempty"`
	ExpiresAt    int64       `json:"expires_at,omitempty"`
	User         SessionUser `json:"user"`
}

type SessionUser struct {
	ID           string         `json:"id"`
	IsAnonymous  bool           `json:"is_anonymous"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// Expiry returns when the access token expires: expires_at when present,
// otherwise the exp claim of the token. A zero time means unknown.
func (s *Session) Expiry() time.Time {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// VisitorID returns the anonymous user's id. It falls back to the sub claim.
func (s *Session) VisitorID() string {
	if s.User.ID != "" {
		return s.User.ID
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, claims); err == nil {
		if sub, err := claims.GetSubject(); err == nil {
			return sub
		}
	}
	return ""
}

// ============================================================================
// Anonymous Auth
// ============================================================================

// AnonymousAuth signs visitors in anonymously against a GoTrue-style auth API
// and keeps their session fresh.
type AnonymousAuth struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	store      SessionStore
	storeKey   string
	metadata   map[string]any
	margin     time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	session *Session
	group   singleflight.Group
}

type AuthOption func(*AnonymousAuth)

func WithAuthHTTPClient(c *http.Client) AuthOption {
	return func(a *AnonymousAuth) { a.httpClient = c }
}

// WithSessionStore persists the session in store under key.
func WithSessionStore(store SessionStore, key string) AuthOption {
	return func(a *AnonymousAuth) {
		a.store = store
		a.storeKey = key
	}
}

// WithSignUpMetadata sets user metadata sent on anonymous sign-in.
func WithSignUpMetadata(md map[string]any) AuthOption {
	return func(a *AnonymousAuth) { a.metadata = md }
}

func WithRefreshMargin(d time.Duration) AuthOption {
	return func(a *AnonymousAuth) { a.margin = d }
}

func WithAuthLogger(l *zap.Logger) AuthOption {
	return func(a *AnonymousAuth) { a.logger = l }
}

// NewAnonymousAuth creates an auth provider rooted at baseURL (e.g.
// https://host/auth/v1).
func NewAnonymousAuth(baseURL, apiKey string, opts ...AuthOption) *AnonymousAuth {
	a := &AnonymousAuth{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		margin:     DefaultRefreshMargin,
		logger:     zap.NewNop(),
		storeKey:   "session",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Token returns a valid access token, signing in or refreshing as needed.
// Concurrent callers share one round trip.
func (a *AnonymousAuth) Token(ctx context.Context) (string, error) {
	v, err, _ := a.group.Do("token", func() (any, error) {
		s, err := a.GetSession(ctx)
		if err != nil {
			return nil, err
		}
		if s == nil {
			s, err = a.SignInAnonymously(ctx, a.metadata)
			if err != nil {
				return nil, err
			}
		} else if a.expiring(s) {
			refreshed, err := a.RefreshSession(ctx)
			if err != nil {
				a.logger.Warn("session refresh failed, signing in again", zap.Error(err))
				refreshed, err = a.SignInAnonymously(ctx, a.metadata)
				if err != nil {
					return nil, err
				}
			}
			s = refreshed
		}
		return s.AccessToken, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}
	return v.(string), nil
}

func (a *AnonymousAuth) expiring(s *Session) bool {
	exp := s.Expiry()
	if exp.IsZero() {
		return false
	}
	return !a.now().Add(a.margin).Before(exp)
}

// GetSession returns the current session, loading it from the store if
// needed. It returns nil when there is none.
func (a *AnonymousAuth) GetSession(ctx context.Context) (*Session, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s != nil || a.store == nil {
		return s, nil
	}

	raw, err := a.store.Get(ctx, a.storeKey)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var loaded Session
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil || loaded.AccessToken == "" {
		a.logger.Warn("discarding unreadable stored session", zap.Error(err))
		return nil, nil
	}
	a.mu.Lock()
	a.session = &loaded
	a.mu.Unlock()
	return &loaded, nil
}

// SignInAnonymously creates a new anonymous user and stores its session.
func (a *AnonymousAuth) SignInAnonymously(ctx context.Context, metadata map[string]any) (*Session, error) {
	body := map[string]any{}
	if len(metadata) > 0 {
		body["data"] = metadata
	}
	s, err := a.post(ctx, "/signup", body)
	if err != nil {
		return nil, fmt.Errorf("anonymous sign-in: %w", err)
	}
	a.logger.Debug("signed in anonymously", zap.String("visitor", s.VisitorID()))
	return s, a.save(ctx, s)
}

// RefreshSession exchanges the refresh token for a new session.
func (a *AnonymousAuth) RefreshSession(ctx context.Context) (*Session, error) {
	cur, err := a.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.RefreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	s, err := a.post(ctx, "/token?grant_type=refresh_token", map[string]string{"refresh_token": cur.RefreshToken})
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if s.User.ID == "" {
		s.User = cur.User
	}
	return s, a.save(ctx, s)
}

// SignOut forgets the session locally and in the store.
func (a *AnonymousAuth) SignOut(ctx context.Context) error {
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
	if a.store == nil {
		return nil
	}
	return a.store.Delete(ctx, a.storeKey)
}

func (a *AnonymousAuth) save(ctx context.Context, s *Session) error {
	if s.ExpiresAt == 0 && s.ExpiresIn > 0 {
		s.ExpiresAt = a.now().Unix() + s.ExpiresIn
	}
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	if a.store == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := a.store.Set(ctx, a.storeKey, string(data)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (a *AnonymousAuth) post(ctx context.Context, path string, body any) (*Session, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("apikey", a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAuthError(resp.StatusCode, data)
	}
	s, err := decodeJSON[Session](data)
	if err != nil {
		return nil, err
	}
	if s.AccessToken == "" {
		return nil, errors.New("response carried no access token")
	}
	return s, nil
}

func decodeAuthError(status int, data []byte) error {
	var body struct {
		Code        any    `json:"code"`
		ErrorCode   string `json:"error_code"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
		Msg         string `json:"msg"`
	}
	if json.Unmarshal(data, &body) != nil {
		return decodeAPIError(status, data)
	}
	e := &APIError{Status: status, Code: body.ErrorCode}
	if e.Code == "" {
		e.Code = body.Error
	}
	for _, m := range []string{body.Msg, body.Description, body.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
