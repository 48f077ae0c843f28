package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"ms-booking/internal/auth"
	"ms-booking/internal/config"
	"ms-booking/internal/logger"
)

// User is the registry's public view of an account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Client calls the user registry service with an M2M token. The booking
// engine only needs it to resolve party identities for compliance exports.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	AuthCfg    config.AuthConfig
	TokenCache *auth.RedisTokenCache
	Logger     *logger.Logger
}

func NewClient(cfg config.AuthConfig, httpClient *http.Client, tokenCache *auth.RedisTokenCache, log *logger.Logger) *Client {
	return &Client{
		BaseURL:    cfg.UserRegistryURL,
		HTTP:       httpClient,
		AuthCfg:    cfg,
		TokenCache: tokenCache,
		Logger:     log,
	}
}

func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	token, err := auth.CachedM2MToken(ctx, c.AuthCfg, c.HTTP, c.TokenCache)
	if err != nil {
		return nil, fmt.Errorf("get M2M token: %w", err)
	}

	url := fmt.Sprintf("%s/api/users/%s", c.BaseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user registry request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("user %s not found in registry", userID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user registry returned %s", resp.Status)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	return &user, nil
}

// UserEmail resolves just the email, the only field the compliance export
// needs.
func (c *Client) UserEmail(ctx context.Context, userID string) (string, error) {
	user, err := c.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Email, nil
}
