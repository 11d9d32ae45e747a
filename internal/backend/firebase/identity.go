// ABOUTME: Firebase Identity Toolkit REST client and the token source built on it
// ABOUTME: Anonymous sign-up, custom-token exchange and refresh-token renewal

package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	// DefaultIdentityEndpoint is the Identity Toolkit v1 base URL.
	DefaultIdentityEndpoint = "https://identitytoolkit.googleapis.com/v1"
	// DefaultTokenEndpoint exchanges refresh tokens for new id tokens.
	DefaultTokenEndpoint = "https://securetoken.googleapis.com/v1/token"
)

// ErrAPI wraps error responses from the Identity Toolkit and token endpoints.
var ErrAPI = errors.New("firebase auth api error")

// ErrNoSession is returned by the token source before any sign-in.
var ErrNoSession = errors.New("no signed-in session")

// credential is the session state returned by every sign-in call.
type credential struct {
	IDToken      string
	RefreshToken string
	Expiry       time.Time
	UID          string
	Email        string
	Anonymous    bool
}

// identityClient talks to the Identity Toolkit REST API.
type identityClient struct {
	apiKey   string
	endpoint string
	tokenURL string
	http     *http.Client
	now      func() time.Time
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *identityClient) signUpAnonymous(ctx context.Context) (*credential, error) {
	var resp signInResponse
	body := map[string]any{"returnSecureToken": true}
	if err := c.postJSON(ctx, c.endpoint+"/accounts:signUp", body, &resp); err != nil {
		return nil, fmt.Errorf("anonymous sign-up: %w", err)
	}
	return c.credentialFrom(resp.IDToken, resp.RefreshToken, resp.ExpiresIn, resp.LocalID)
}

func (c *identityClient) signInWithCustomToken(ctx context.Context, token string) (*credential, error) {
	var resp signInResponse
	body := map[string]any{"token": token, "returnSecureToken": true}
	if err := c.postJSON(ctx, c.endpoint+"/accounts:signInWithCustomToken", body, &resp); err != nil {
		return nil, fmt.Errorf("custom token sign-in: %w", err)
	}
	return c.credentialFrom(resp.IDToken, resp.RefreshToken, resp.ExpiresIn, resp.LocalID)
}

func (c *identityClient) refresh(ctx context.Context, refreshToken string) (*credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.withKey(c.tokenURL), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("refreshing id token: %w", err)
	}
	return c.credentialFrom(resp.IDToken, resp.RefreshToken, resp.ExpiresIn, resp.UserID)
}

func (c *identityClient) withKey(base string) string {
	return base + "?key=" + url.QueryEscape(c.apiKey)
}

func (c *identityClient) postJSON(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.withKey(endpoint), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *identityClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%w: %d %s", ErrAPI, resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// credentialFrom builds a credential, reading identity details from the id
// token's claims. The token is not verified here; the backend verifies it on
// every request it is presented with.
func (c *identityClient) credentialFrom(idToken, refreshToken, expiresIn, uid string) (*credential, error) {
	if idToken == "" {
		return nil, fmt.Errorf("%w: response carried no id token", ErrAPI)
	}
	secs, err := strconv.Atoi(expiresIn)
	if err != nil || secs <= 0 {
		secs = 3600
	}
	cred := &credential{
		IDToken:      idToken,
		RefreshToken: refreshToken,
		Expiry:       c.now().Add(time.Duration(secs) * time.Second),
		UID:          uid,
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err == nil {
		if sub, _ := claims["sub"].(string); sub != "" && cred.UID == "" {
			cred.UID = sub
		}
		cred.Email, _ = claims["email"].(string)
		if fb, ok := claims["firebase"].(map[string]any); ok {
			cred.Anonymous = fb["sign_in_provider"] == "anonymous"
		}
	}
	if cred.UID == "" {
		return nil, fmt.Errorf("%w: response carried no user id", ErrAPI)
	}
	return cred, nil
}

// sessionTokenSource serves the current id token and renews it with the
// refresh token once it expires.
type sessionTokenSource struct {
	client *identityClient

	mu   sync.Mutex
	cred *credential
}

var _ oauth2.TokenSource = (*sessionTokenSource)(nil)

func (s *sessionTokenSource) set(cred *credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
}

func (s *sessionTokenSource) current() *credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Token implements oauth2.TokenSource.
func (s *sessionTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		return nil, ErrNoSession
	}
	if !s.client.now().Before(s.cred.Expiry.Add(-time.Minute)) && s.cred.RefreshToken != "" {
		next, err := s.client.refresh(context.Background(), s.cred.RefreshToken)
		if err != nil {
			return nil, err
		}
		s.cred = next
	}
	return &oauth2.Token{
		AccessToken: s.cred.IDToken,
		TokenType:   "Bearer",
		Expiry:      s.cred.Expiry,
	}, nil
}
