package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/youruser/redline/internal/logging"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrNoChoices     = errors.New("no choices in response")
	log              = logging.Get()
)

const defaultRequestTimeout = 60 * time.Second

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature *float64
	timeout     time.Duration
	httpClient  *http.Client
}

var _ Gateway = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTemperature sets the sampling temperature sent with each request.
func WithTemperature(t float64) ClientOption {
	return func(c *Client) { c.temperature = &t }
}

// WithTimeout bounds each request. Zero keeps the default.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new LLM client bound to one model.
func NewClient(baseURL, apiKey, model string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		timeout:    defaultRequestTimeout,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model this client sends requests to.
func (c *Client) Model() string {
	return c.model
}

// ChatComplete sends a non-streaming chat request and returns the
// assistant's content with the reported (or estimated) token usage.
func (c *Client) ChatComplete(ctx context.Context, messages []Message) (Completion, error) {
	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      false,
		Temperature: c.temperature,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Completion{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return Completion{}, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Debug("HTTP POST %s/chat/completions (model: %s, messages: %d)", c.baseURL, c.model, len(messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logCallError(ctx, "HTTP request failed: %v", err)
		return Completion{}, err
	}
	defer resp.Body.Close()

	log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return Completion{}, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Completion{}, fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
	}

	if chatResp.Error != nil {
		return Completion{}, fmt.Errorf("%w: %s", ErrRequestFailed, chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return Completion{}, ErrNoChoices
	}

	text := chatResp.Choices[0].Message.Content
	usage := usageOrEstimate(chatResp.Usage, messages, text)
	log.Debug("Usage: prompt=%d, completion=%d, estimated=%v", usage.PromptTokens, usage.CompletionTokens, usage.Estimated)

	return Completion{Text: text, Usage: usage}, nil
}

// logCallError logs a failed call at error level, or at warn level when the
// call's context was canceled or timed out.
func logCallError(ctx context.Context, format string, args ...any) {
	if ctx.Err() != nil {
		log.Warn(format, args...)
		return
	}
	log.Error(format, args...)
}

// usageOrEstimate returns the provider's usage, or a tokenizer estimate
// when the provider did not report any.
func usageOrEstimate(reported *Usage, messages []Message, completion string) Usage {
	if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0) {
		u := *reported
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}
	prompt := EstimateMessages(messages)
	completionTokens := EstimateTokensSimple(completion)
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
		Estimated:        true,
	}
}
