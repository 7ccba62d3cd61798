package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// TokenPair is the result of a refresh.
type TokenPair struct {
	AccessToken string
	// RefreshToken is empty when the issuer keeps the previous one valid.
	RefreshToken string
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return f(ctx, refreshToken)
}

// HTTPRefresher posts {"refreshToken": ...} to the console backend's refresh
// endpoint. The response may carry the tokens at the top level or under a
// "data" envelope.
type HTTPRefresher struct {
	URL    string
	Client *http.Client
}

type refreshResponse struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	Data         *refreshResponse `json:"data,omitempty"`
}

func (h *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return TokenPair{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return TokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return TokenPair{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TokenPair{}, fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return TokenPair{}, fmt.Errorf("decoding refresh response: %w", err)
	}
	if rr.Data != nil {
		rr = *rr.Data
	}
	if rr.AccessToken == "" {
		return TokenPair{}, fmt.Errorf("refresh response carried no access token")
	}
	return TokenPair{AccessToken: rr.AccessToken, RefreshToken: rr.RefreshToken}, nil
}

// OAuth2Refresher performs a standard refresh_token grant.
type OAuth2Refresher struct {
	Config *oauth2.Config
}

func (o *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	// An expired access token forces the token source to hit the endpoint.
	src := o.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return TokenPair{}, err
	}
	pair := TokenPair{AccessToken: tok.AccessToken}
	if tok.RefreshToken != refreshToken {
		pair.RefreshToken = tok.RefreshToken
	}
	return pair, nil
}

var (
	_ Refresher = (*HTTPRefresher)(nil)
	_ Refresher = (*OAuth2Refresher)(nil)
)
