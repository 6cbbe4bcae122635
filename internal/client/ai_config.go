package client

import (
	"context"
	"fmt"
	"net/http"
)

// AIConfig holds the AI chat limits used for local precondition
// checks before a prompt ever touches the channel.
type AIConfig struct {
	// MaxPromptChars bounds the prompt length. Zero means 4000.
	MaxPromptChars int `json:"maxPromptChars" toml:"max_prompt_chars"`
	// CostPerMessage is the token cost of one exchange. Used only
	// until the first authoritative token-status event arrives.
	CostPerMessage int `json:"costPerMessage" toml:"cost_per_message"`
}

const defaultMaxPromptChars = 4000

// withDefaults fills zero fields with reference values.
func (c AIConfig) withDefaults() AIConfig {
	if c.MaxPromptChars <= 0 {
		c.MaxPromptChars = defaultMaxPromptChars
	}
	return c
}

// AIConfigClient fetches the server's AI chat configuration.
type AIConfigClient struct {
	rest *restClient
}

// AIConfigClientConfig configures an AIConfigClient.
type AIConfigClientConfig struct {
	// BaseURL of the AI config service. Required.
	BaseURL string
	// Token is the session token, sent as a bearer header.
	Token string
	// HTTPClient is used for all requests. Nil means a client with a
	// 10s timeout.
	HTTPClient *http.Client
}

// NewAIConfigClient creates an AIConfigClient.
func NewAIConfigClient(config AIConfigClientConfig) (*AIConfigClient, error) {
	rest, err := newRESTClient(config.BaseURL, config.Token, "", config.HTTPClient)
	if err != nil {
		return nil, err
	}
	return &AIConfigClient{rest: rest}, nil
}

// Fetch returns the current AI chat limits.
func (c *AIConfigClient) Fetch(ctx context.Context) (AIConfig, error) {
	var result AIConfig
	if err := c.rest.getJSON(ctx, "/api/ai/config", nil, &result); err != nil {
		return AIConfig{}, fmt.Errorf("ai config: %w", err)
	}
	return result.withDefaults(), nil
}
