package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"ms-booking/internal/config"
	"ms-booking/internal/models"
)

// GetM2MToken retrieves a machine-to-machine token from Keycloak. Used for
// outbound calls to the user registry when enriching compliance exports.
func GetM2MToken(cfg config.AuthConfig, client *http.Client) (string, int, error) {
	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", cfg.KeycloakURL, cfg.KeycloakRealm)

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", cfg.ClientID)
	data.Set("client_secret", cfg.ClientSecret)

	req, _ := http.NewRequest("POST", tokenURL, strings.NewReader(data.Encode()))
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("HTTP request to Keycloak failed: %v", err)
		return "", 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Printf("Error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		log.Printf("Keycloak token response body: %s", string(bodyBytes))
		return "", 0, fmt.Errorf("failed to get token, status: %s", resp.Status)
	}

	var tokenResp models.M2MTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, err
	}

	return tokenResp.AccessToken, tokenResp.ExpiresIn, nil
}

// CachedM2MToken returns a valid M2M token, serving from the Redis cache
// when possible and fetching a fresh one from Keycloak otherwise.
func CachedM2MToken(ctx context.Context, cfg config.AuthConfig, client *http.Client, cache *RedisTokenCache) (string, error) {
	if cache != nil {
		if cached, err := cache.GetToken(ctx); err == nil && cached != nil {
			return cached.Token, nil
		}
	}

	token, expiresIn, err := GetM2MToken(cfg, client)
	if err != nil {
		return "", err
	}

	if cache != nil {
		if err := cache.SetToken(ctx, token, expiresIn); err != nil {
			log.Printf("Failed to cache M2M token: %v", err)
		}
	}
	return token, nil
}
