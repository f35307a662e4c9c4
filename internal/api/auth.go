package api

import (
	"context"
	"errors"
	"strings"

	"autoall/internal/transport"
)

// Auth manages the session credential through the backend's auth endpoints.
type Auth struct {
	c *transport.Client
}

func NewAuth(c *transport.Client) *Auth { return &Auth{c: c} }

type tokenResponse struct {
	Token       string `json:"token"`
	Access      string `json:"access"`
	AccessToken string `json:"access_token"`
}

func (r tokenResponse) value() string {
	for _, v := range []string{r.Token, r.Access, r.AccessToken} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (a *Auth) Login(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return errors.New("username and password are required")
	}
	var resp tokenResponse
	err := a.c.Post(ctx, "/auth/login/", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return err
	}
	token := resp.value()
	if token == "" {
		return errors.New("login response carries no token")
	}
	return a.c.Session().Set(ctx, token)
}

// Refresh swaps the current credential for a fresh one.
func (a *Auth) Refresh(ctx context.Context) error {
	var resp tokenResponse
	if err := a.c.Post(ctx, "/auth/refresh/", map[string]string{}, &resp); err != nil {
		return err
	}
	token := resp.value()
	if token == "" {
		return errors.New("refresh response carries no token")
	}
	return a.c.Session().Set(ctx, token)
}

// Logout clears the local credential even when the server call fails.
func (a *Auth) Logout(ctx context.Context) error {
	callErr := a.c.Post(ctx, "/auth/logout/", map[string]string{}, nil)
	if err := a.c.Session().Clear(ctx); err != nil {
		return err
	}
	if transport.IsKind(callErr, transport.KindAuthExpired) {
		return nil
	}
	return callErr
}
