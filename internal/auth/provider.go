package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider is the identity provider capability: password sign-in,
// refresh-token exchange and session revocation.
type Provider interface {
	SignIn(ctx context.Context, identifier, secret string) (Session, error)
	Refresh(ctx context.Context, refreshToken string) (Session, error)
	Revoke(ctx context.Context, accessToken string) error
}

// HTTPProvider talks to a GoTrue-style auth endpoint. Every call carries the
// project API key in the "apikey" header.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider rooted at baseURL (e.g. https://id.example.com/auth/v1).
func NewHTTPProvider(baseURL, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		now:     time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID           string         `json:"id"`
		Email        string         `json:"email"`
		UserMetadata map[string]any `json:"user_metadata"`
	} `json:"user"`
}

func (p *HTTPProvider) SignIn(ctx context.Context, identifier, secret string) (Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return Session{}, ErrInvalidInput
	}
	return p.token(ctx, "password", map[string]string{"email": identifier, "password": secret})
}

func (p *HTTPProvider) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, ErrInvalidInput
	}
	return p.token(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

func (p *HTTPProvider) Revoke(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", p.apiKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeProviderError(resp)
	}
	return nil
}

func (p *HTTPProvider) token(ctx context.Context, grant string, body map[string]string) (Session, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Session{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/token?grant_type="+grant, bytes.NewReader(payload))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("apikey", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Session{}, decodeProviderError(resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Session{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Session{}, errors.New("token response without access_token")
	}
	s := Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    tr.ExpiresAt,
		User: Identity{
			ID:       tr.User.ID,
			Email:    tr.User.Email,
			Metadata: tr.User.UserMetadata,
		},
	}
	if s.ExpiresAt == 0 && tr.ExpiresIn > 0 {
		s.ExpiresAt = p.now().Unix() + tr.ExpiresIn
	}
	return s, nil
}

func decodeProviderError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Detail           string `json:"detail"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil {
		for _, candidate := range []string{body.ErrorDescription, body.Msg, body.Detail, body.Error} {
			if candidate != "" {
				msg = candidate
				break
			}
		}
	}
	return &ProviderError{Status: resp.StatusCode, Message: msg}
}
