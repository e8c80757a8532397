package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"namecard/pkg/logging"
)

const requestTimeout = 120 * time.Second

// ErrNoKeys is returned when the client has no API key to use.
var ErrNoKeys = errors.New("no API keys configured")

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

type Settings struct {
	BaseURL     string
	Models      []string
	Temperature float64
	TopP        float64
	MaxTokens   int64
}

type keyState struct {
	key          string
	failureCount int
	lastUsed     time.Time
}

// Client talks to an OpenAI compatible chat completion endpoint. It spreads
// requests over several API keys, preferring the one with the fewest recent
// failures, and falls back through the configured models in order.
type Client struct {
	settings Settings
	log      *zap.Logger

	keyMu sync.Mutex
	keys  []*keyState

	clientsMu sync.Mutex
	clients   map[string]openai.Client
}

// NewClient takes a comma separated list of API keys.
func NewClient(apiKeys string, settings Settings, logger *zap.Logger) *Client {
	c := &Client{
		settings: settings,
		log:      logging.Component(logger, "llm"),
		clients:  make(map[string]openai.Client),
	}
	for _, k := range strings.Split(apiKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			c.keys = append(c.keys, &keyState{key: k})
		}
	}
	if len(c.keys) == 0 {
		c.log.Warn("no API keys provided")
	} else {
		c.log.Info("loaded API keys", zap.Int("count", len(c.keys)))
	}
	return c
}

func (c *Client) getClient(key string) openai.Client {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client
	}
	client := openai.NewClient(
		option.WithBaseURL(c.settings.BaseURL),
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	)
	c.clients[key] = client
	return client
}

func (c *Client) bestKey() *keyState {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()

	if len(c.keys) == 0 {
		return nil
	}
	best := c.keys[0]
	for _, k := range c.keys[1:] {
		if k.failureCount < best.failureCount {
			best = k
		}
	}
	best.lastUsed = time.Now()
	return best
}

func (c *Client) recordResult(k *keyState, err error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if err != nil {
		k.failureCount++
	} else if k.failureCount > 0 {
		k.failureCount--
	}
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case "system":
			out[i] = openai.SystemMessage(msg.Content)
		case "assistant":
			out[i] = openai.AssistantMessage(msg.Content)
		default:
			out[i] = openai.UserMessage(msg.Content)
		}
	}
	return out
}

// Complete returns the first non-empty reply, trying each model in turn.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(c.settings.Models) == 0 {
		return "", errors.New("no models configured")
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var errs []error
	for _, model := range c.settings.Models {
		k := c.bestKey()
		if k == nil {
			return "", ErrNoKeys
		}

		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(model),
			Messages: toParams(messages),
		}
		if c.settings.Temperature > 0 {
			params.Temperature = openai.Float(c.settings.Temperature)
		}
		if c.settings.TopP > 0 {
			params.TopP = openai.Float(c.settings.TopP)
		}
		if c.settings.MaxTokens > 0 {
			params.MaxTokens = openai.Int(c.settings.MaxTokens)
		}

		start := time.Now()
		client := c.getClient(k.key)
		resp, err := client.Chat.Completions.New(ctx, params)
		if err == nil && (resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "") {
			err = errors.New("empty response")
		}
		c.recordResult(k, err)
		if err != nil {
			c.log.Warn("model failed, trying next",
				zap.String("model", model),
				zap.Duration("took", time.Since(start)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", model, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		c.log.Debug("model replied", zap.String("model", model), zap.Duration("took", time.Since(start)))
		return resp.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("all models failed: %w", errors.Join(errs...))
}
