package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiClient is a Gateway backed by the Google GenAI SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature *float32
	timeout     time.Duration
}

var _ Gateway = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini gateway bound to one model.
func NewGeminiClient(ctx context.Context, apiKey, model string, temperature *float64, timeout time.Duration) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	g := &GeminiClient{client: client, model: model, timeout: timeout}
	if temperature != nil {
		t := float32(*temperature)
		g.temperature = &t
	}
	if g.timeout <= 0 {
		g.timeout = defaultRequestTimeout
	}
	return g, nil
}

// Model returns the Gemini model name.
func (g *GeminiClient) Model() string {
	return g.model
}

// ChatComplete maps chat messages onto GenAI contents. System messages
// become the system instruction; assistant messages use the model role.
func (g *GeminiClient) ChatComplete(ctx context.Context, messages []Message) (Completion, error) {
	contents, system := toGenAIContents(messages)

	cfg := &genai.GenerateContentConfig{Temperature: g.temperature}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	log.Debug("GenAI GenerateContent (model: %s, contents: %d)", g.model, len(contents))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		logCallError(ctx, "GenAI request failed: %v", err)
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			return Completion{}, fmt.Errorf("%w: %w: %w", ErrRequestFailed, cerr, err)
		}
		return Completion{}, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	if len(resp.Candidates) == 0 {
		return Completion{}, ErrNoChoices
	}

	text := resp.Text()
	var reported *Usage
	if md := resp.UsageMetadata; md != nil {
		reported = &Usage{
			PromptTokens:     int(md.PromptTokenCount),
			CompletionTokens: int(md.CandidatesTokenCount),
			TotalTokens:      int(md.TotalTokenCount),
		}
	}
	return Completion{Text: text, Usage: usageOrEstimate(reported, messages, text)}, nil
}

func toGenAIContents(messages []Message) ([]*genai.Content, string) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}
