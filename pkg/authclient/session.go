package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	loginPath        = "/api/auth/login"
	logoutPath       = "/api/auth/logout"
	refreshTokenPath = "/api/auth/refresh-token"
)

// Endpoints that never trigger a silent refresh on 401.
var publicPaths = []string{
	loginPath,
	"/api/auth/register",
	"/api/auth/request-password-reset",
	"/api/auth/reset-password",
	"/api/auth/google",
	refreshTokenPath,
}

var ErrNotAuthenticated = errors.New("not authenticated")

// APIError carries the status and the server's message, never the raw body.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return e.Message
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type LoginResult struct {
	User                json.RawMessage `json:"user"`
	AccessToken         string          `json:"accessToken"`
	ExpiresIn           int64           `json:"expiresIn"`
	IsTemporaryPassword bool            `json:"isTemporaryPassword"`
}

type Option func(*Session)

func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) {
		s.httpClient = client
	}
}

// WithOnLoggedOut registers a callback fired when a silent refresh fails
// and the local session has been cleared.
func WithOnLoggedOut(fn func()) Option {
	return func(s *Session) {
		s.onLoggedOut = fn
	}
}

// Session owns one client's credentials: the access token in memory and the
// refresh cookie in a cookie jar.
type Session struct {
	baseURL     string
	httpClient  *http.Client
	onLoggedOut func()
	refreshes   singleflight.Group

	mu          sync.RWMutex
	accessToken string
}

func NewSession(baseURL string, opts ...Option) (*Session, error) {
	s := &Session{baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(s)
	}

	if s.httpClient == nil {
		s.httpClient = &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if s.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		s.httpClient.Jar = jar
	}

	return s, nil
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

func (s *Session) setAccessToken(token string) {
	s.mu.Lock()
	s.accessToken = token
	s.mu.Unlock()
}

func (s *Session) Authenticated() bool {
	return s.AccessToken() != ""
}

// Restore tries to resume a session from the refresh cookie. It reports
// whether an access token was obtained; failure only clears local state.
func (s *Session) Restore(ctx context.Context) bool {
	if err := s.refresh(ctx); err != nil {
		s.setAccessToken("")
		return false
	}
	return true
}

func (s *Session) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	var result LoginResult
	err := s.Do(ctx, http.MethodPost, loginPath, map[string]string{
		"email":    email,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}

	s.setAccessToken(result.AccessToken)
	return &result, nil
}

// Logout always clears the local token, even when the server call fails.
func (s *Session) Logout(ctx context.Context) error {
	defer s.setAccessToken("")

	if !s.Authenticated() {
		return nil
	}
	return s.Do(ctx, http.MethodPost, logoutPath, nil, nil)
}

// Do sends a JSON request and decodes the envelope's data into out. A 401 on
// a protected path triggers one refresh-and-retry.
func (s *Session) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = encoded
	}

	env, status, err := s.send(ctx, method, path, payload)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized && !isPublic(path) {
		if refreshErr := s.refresh(ctx); refreshErr != nil {
			s.loggedOut()
			return &APIError{Status: status, Message: env.Message}
		}

		env, status, err = s.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		// A fresh token that is still refused means the account itself is gone.
		if status == http.StatusUnauthorized {
			s.loggedOut()
		}
	}

	if status < 200 || status > 299 || !env.Success {
		return &APIError{Status: status, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

func (s *Session) send(ctx context.Context, method, path string, payload []byte) (envelope, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := s.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return envelope{}, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return env, resp.StatusCode, nil
}

// refresh exchanges the refresh cookie for a new access token. Concurrent
// callers share one in-flight request so the one-time refresh token is only
// presented once.
func (s *Session) refresh(ctx context.Context) error {
	_, err, _ := s.refreshes.Do("refresh", func() (any, error) {
		env, status, err := s.send(ctx, http.MethodPost, refreshTokenPath, nil)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK || !env.Success {
			return nil, &APIError{Status: status, Message: env.Message}
		}

		var data struct {
			AccessToken string `json:"accessToken"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("decode refresh response: %w", err)
		}
		if data.AccessToken == "" {
			return nil, ErrNotAuthenticated
		}

		s.setAccessToken(data.AccessToken)
		return nil, nil
	})
	return err
}

func (s *Session) loggedOut() {
	s.setAccessToken("")
	if s.onLoggedOut != nil {
		s.onLoggedOut()
	}
}

func isPublic(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, public := range publicPaths {
		if path == public {
			return true
		}
	}
	return false
}
