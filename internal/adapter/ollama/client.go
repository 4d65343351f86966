// Package ollama implements the model-query port against an Ollama server's
// chat and tags endpoints.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/StageForge/internal/port/llm"
	"github.com/Strob0t/StageForge/internal/resilience"
)

// maxErrorBody bounds the response body kept on a failed status.
const maxErrorBody = 512

// Client queries an Ollama server. Per-query deadlines come from the
// caller's context.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// SetBreaker attaches a circuit breaker to chat queries. Status errors do
// not trip it; only transport failures do.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	b.CountIf(func(err error) bool {
		return !errors.Is(err, llm.ErrStatus) && !errors.Is(err, context.Canceled)
	})
	c.breaker = b
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Query sends messages to /api/chat and returns the answer text. Failures
// wrap llm.ErrUnavailable, llm.ErrTimeout or an *llm.StatusError.
func (c *Client) Query(ctx context.Context, messages []llm.Message, model string) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var answer string
	call := func() error {
		data, err := c.do(ctx, http.MethodPost, "/api/chat", body)
		if err != nil {
			return err
		}
		var resp chatResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		answer = resp.Message.Content
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", fmt.Errorf("%w: %w", llm.ErrUnavailable, err)
		}
	} else {
		err = call()
	}
	if err != nil {
		return "", err
	}
	return answer, nil
}

// ListModels returns the model names the server has pulled.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Ping checks that the server answers within five seconds.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &llm.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// classify maps a transport error onto the port's failure classes.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", llm.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", llm.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", llm.ErrUnavailable, err)
}
