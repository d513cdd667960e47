// Package backend calls the owned backend's REST API for vendor credential
// provisioning.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetscribe/voicelink/internal/observability"
	"github.com/meetscribe/voicelink/internal/resilience"
)

const tokenPath = "/api/tts/token"

// Token is a short-lived NLS credential issued by the backend.
type Token struct {
	Token  string `json:"token"`
	AppKey string `json:"app_key"`
	Region string `json:"region"`
}

// Config holds the backend endpoint and caller identity.
type Config struct {
	BaseURL    string
	AuthToken  string
	Retry      *resilience.RetryConfig
	HTTPClient *http.Client
}

// Client fetches vendor tokens from the owned backend.
type Client struct {
	config Config
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates a backend client.
func NewClient(config Config) *Client {
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		config: config,
		client: client,
		logger: observability.WithComponent("backend"),
	}
}

// FetchToken requests an NLS token, retrying transient failures.
func (c *Client) FetchToken(ctx context.Context) (*Token, error) {
	var token *Token
	err := resilience.Retry(ctx, func() error {
		t, callErr := c.fetch(ctx)
		if callErr != nil {
			return callErr
		}
		token = t
		return nil
	}, c.config.Retry, retryableBackendError)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("region", token.Region).
		Msg("Fetched synthesis token")
	return token, nil
}

func retryableBackendError(err error) bool {
	if resilience.IsRetryableNetworkError(err) {
		return true
	}
	return strings.Contains(err.Error(), "HTTP 5")
}

func (c *Client) fetch(ctx context.Context) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+tokenPath, nil)
	if err != nil {
		return nil, err
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var fault struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &fault) == nil && fault.Message != "" {
			return nil, fmt.Errorf("token request failed, HTTP %d: %s", resp.StatusCode, fault.Message)
		}
		return nil, fmt.Errorf("token request failed, HTTP %d", resp.StatusCode)
	}

	var token Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("malformed token response: %w", err)
	}
	if token.Token == "" || token.AppKey == "" {
		return nil, fmt.Errorf("token response missing token or app_key")
	}
	return &token, nil
}
