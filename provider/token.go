package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource hands out access tokens. Invalidate drops the cached token so
// the next call to Token performs a refresh.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// RotateFunc is called with the new refresh token whenever the provider
// rotates it.
type RotateFunc func(ctx context.Context, refreshToken string) error

// OAuthTokens adapts an oauth2 flow to TokenSource. It owns the current token
// and rebuilds the underlying oauth2 source on Invalidate.
type OAuthTokens struct {
	mu       sync.Mutex
	base     context.Context
	open     func(ctx context.Context, refreshToken string) oauth2.TokenSource
	src      oauth2.TokenSource
	refresh  string
	// persisted is the last refresh token onRotate accepted.
	persisted string
	onRotate  RotateFunc
}

// NewClientCredentialsTokens returns tokens for the client-credentials grant.
func NewClientCredentialsTokens(cfg clientcredentials.Config, httpClient *http.Client) *OAuthTokens {
	return &OAuthTokens{
		base: oauthContext(httpClient),
		open: func(ctx context.Context, _ string) oauth2.TokenSource {
			return cfg.TokenSource(ctx)
		},
	}
}

// NewRefreshTokens returns tokens for the refresh-token grant. onRotate may be
// nil.
func NewRefreshTokens(cfg oauth2.Config, refreshToken string, onRotate RotateFunc, httpClient *http.Client) *OAuthTokens {
	return &OAuthTokens{
		base:      oauthContext(httpClient),
		refresh:   refreshToken,
		persisted: refreshToken,
		open: func(ctx context.Context, rt string) oauth2.TokenSource {
			return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: rt})
		},
		onRotate: onRotate,
	}
}

func oauthContext(httpClient *http.Client) context.Context {
	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	return ctx
}

// Token returns a valid access token, refreshing when needed.
func (t *OAuthTokens) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.src == nil {
		t.src = t.open(t.base, t.refresh)
	}
	src := t.src
	t.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	t.mu.Lock()
	if tok.RefreshToken != "" {
		t.refresh = tok.RefreshToken
	}
	unsaved := t.onRotate != nil && tok.RefreshToken != "" && tok.RefreshToken != t.persisted
	onRotate := t.onRotate
	t.mu.Unlock()

	if unsaved {
		// a failed save is retried on the next call
		if err := onRotate(ctx, tok.RefreshToken); err != nil {
			return "", fmt.Errorf("persist rotated refresh token: %w", err)
		}
		t.mu.Lock()
		t.persisted = tok.RefreshToken
		t.mu.Unlock()
	}
	return tok.AccessToken, nil
}

// Invalidate forgets the cached access token.
func (t *OAuthTokens) Invalidate() {
	t.mu.Lock()
	t.src = nil
	t.mu.Unlock()
}

// StaticTokens always returns the same token. Useful for pre-issued tokens.
type StaticTokens string

func (s StaticTokens) Token(context.Context) (string, error) { return string(s), nil }
func (s StaticTokens) Invalidate()                            {}
