// Package eino implements the model-query port on CloudWeGo Eino chat
// models, so any provider Eino supports can back the pipeline.
package eino

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/Strob0t/StageForge/internal/port/llm"
	"github.com/Strob0t/StageForge/internal/resilience"
)

// Providers.
const (
	ProviderOllama = "eino-ollama"
	ProviderOpenAI = "eino-openai"
)

// Factory builds a chat model for one model name.
type Factory func(ctx context.Context, modelName string) (model.BaseChatModel, error)

// Client adapts Eino chat models to llm.Client. Models are built lazily and
// reused per model name.
type Client struct {
	factory Factory
	breaker *resilience.Breaker

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

// NewClient creates a Client from factory.
func NewClient(factory Factory) *Client {
	return &Client{factory: factory, models: make(map[string]model.BaseChatModel)}
}

// SetBreaker guards Generate calls with b. Only unreachable or timed out
// backends trip it.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	b.CountIf(func(err error) bool {
		return errors.Is(err, llm.ErrUnavailable) || errors.Is(err, llm.ErrTimeout)
	})
	c.breaker = b
}

// NewFactory returns the Factory for provider.
func NewFactory(provider, baseURL, apiKey string) (Factory, error) {
	switch provider {
	case ProviderOllama:
		return func(ctx context.Context, name string) (model.BaseChatModel, error) {
			return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
				BaseURL: baseURL,
				Model:   name,
			})
		}, nil
	case ProviderOpenAI:
		if apiKey == "" {
			return nil, errors.New("openai API key is required")
		}
		return func(ctx context.Context, name string) (model.BaseChatModel, error) {
			return openai.NewChatModel(ctx, &openai.ChatModelConfig{
				BaseURL: baseURL,
				Model:   name,
				APIKey:  apiKey,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unsupported eino provider: %s (supported: %s, %s)", provider, ProviderOllama, ProviderOpenAI)
	}
}

// Query implements llm.Client.
func (c *Client) Query(ctx context.Context, messages []llm.Message, modelName string) (string, error) {
	cm, err := c.model(ctx, modelName)
	if err != nil {
		return "", err
	}

	in := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			in = append(in, schema.SystemMessage(m.Content))
		default:
			in = append(in, schema.UserMessage(m.Content))
		}
	}

	var answer string
	call := func() error {
		resp, err := cm.Generate(ctx, in)
		if err != nil {
			return classify(ctx, err)
		}
		if resp != nil {
			answer = resp.Content
		}
		return nil
	}
	if c.breaker == nil {
		err = call()
	} else if err = c.breaker.Execute(call); errors.Is(err, resilience.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w", llm.ErrUnavailable, err)
	}
	if err != nil {
		return "", err
	}
	return answer, nil
}

func (c *Client) model(ctx context.Context, name string) (model.BaseChatModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cm, ok := c.models[name]; ok {
		return cm, nil
	}
	cm, err := c.factory(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create model %s: %w", name, err)
	}
	c.models[name] = cm
	return cm, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", llm.ErrTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", llm.ErrUnavailable, err)
	}
	return fmt.Errorf("llm generate: %w", err)
}
