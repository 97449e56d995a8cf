// Package anthropic adapts anthropics/anthropic-sdk-go to the
// llm.Provider interface memkit's semantic/episodic domains depend on.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/memkit/memkit/pkg/llm"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-3-5-sonnet-20241022"

// Client implements llm.Provider against the Anthropic Messages API via
// the official SDK, replacing the teacher's hand-rolled net/http
// implementation.
type Client struct {
	client sdk.Client
	model  string
}

// Config configures a new Client.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey string
	// Model defaults to DefaultModel when empty.
	Model string
	// BaseURL overrides the SDK's default API endpoint, for proxies or
	// self-hosted gateways.
	BaseURL string
}

// NewClient constructs a Client from cfg.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client: sdk.NewClient(opts...),
		model:  model,
	}, nil
}

// Generate implements llm.Provider.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

// GenerateWithMessages implements llm.Provider, separating any "system"
// message out of the turn list since the Anthropic API carries system
// instructions as a distinct top-level field, not a message role.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	var system string
	turns := make([]sdk.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			turns = append(turns, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			turns = append(turns, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   int64(options.MaxTokens),
		Messages:    turns,
		Temperature: sdk.Float(options.Temperature),
		TopP:        sdk.Float(options.TopP),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(options.Stop) > 0 {
		params.StopSequences = options.Stop
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if text := block.Text; text != "" {
			out.WriteString(text)
		}
	}
	if out.Len() == 0 {
		return "", errors.New("anthropic: no content returned")
	}
	return out.String(), nil
}

// Close implements llm.Provider; the SDK client owns no resources that
// require explicit teardown.
func (c *Client) Close() error { return nil }
