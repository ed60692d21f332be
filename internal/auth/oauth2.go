package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// OAuth2Provider signs in with the resource-owner password grant of a
// standard OAuth2 authorization server.
type OAuth2Provider struct {
	cfg       *oauth2.Config
	revokeURL string
	client    *http.Client
}

var _ Provider = (*OAuth2Provider)(nil)

// NewOAuth2Provider wraps cfg. revokeURL is the RFC 7009 endpoint; when empty
// Revoke is a no-op.
func NewOAuth2Provider(cfg *oauth2.Config, revokeURL string, client *http.Client) *OAuth2Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuth2Provider{cfg: cfg, revokeURL: revokeURL, client: client}
}

func (p *OAuth2Provider) SignIn(ctx context.Context, identifier, secret string) (Session, error) {
	if strings.TrimSpace(identifier) == "" || secret == "" {
		return Session{}, ErrInvalidInput
	}
	tok, err := p.cfg.PasswordCredentialsToken(p.context(ctx), identifier, secret)
	if err != nil {
		return Session{}, mapOAuth2Error(err)
	}
	return sessionFromToken(tok), nil
}

func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, ErrInvalidInput
	}
	tok, err := p.cfg.TokenSource(p.context(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Session{}, mapOAuth2Error(err)
	}
	s := sessionFromToken(tok)
	if s.RefreshToken == "" {
		s.RefreshToken = refreshToken
	}
	return s, nil
}

func (p *OAuth2Provider) Revoke(ctx context.Context, accessToken string) error {
	if p.revokeURL == "" {
		return nil
	}
	form := url.Values{
		"token":           {accessToken},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.cfg.ClientID), url.QueryEscape(p.cfg.ClientSecret))
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

func (p *OAuth2Provider) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func sessionFromToken(tok *oauth2.Token) Session {
	s := Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		s.ExpiresAt = tok.Expiry.Unix()
	}
	return s
}

func mapOAuth2Error(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		return &ProviderError{Status: re.Response.StatusCode, Message: msg}
	}
	return err
}
