// Package llm wraps the OpenAI-compatible API surface used by the runtime:
// chat completion for replies, speech synthesis, transcription, and
// embeddings. Works with OpenAI or any compatible server via BaseURL.
package llm

import (
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
)

// Client owns one OpenAI-compatible connection shared by the responder,
// speech, and embedding routes.
type Client struct {
	api *openai.Client
	cfg config.LLMConfig
}

// NewClient builds the shared client. API key may be empty for local servers.
func NewClient(cfg config.LLMConfig) *Client {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}
	conf := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		conf.BaseURL = baseURL
	}
	L_debug("llm: client created", "baseURL", cfg.BaseURL, "model", cfg.Model)
	return &Client{api: openai.NewClientWithConfig(conf), cfg: cfg}
}

func (c *Client) timeout() time.Duration {
	if c.cfg.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.cfg.TimeoutSeconds) * time.Second
}
