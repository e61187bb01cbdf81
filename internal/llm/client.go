package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/threadscout/internal/config"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

type Message struct {
	Role    Role
	Content string
}

func System(content string) Message { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message   { return Message{Role: RoleUser, Content: content} }

// Client is the completion surface used by scoring, generation and site analysis.
type Client interface {
	ChatCompletion(ctx context.Context, model string, messages []Message, temperature float32) (string, error)
	ChatCompletionJSON(ctx context.Context, model string, schema *genai.Schema, messages []Message, out any) error
	// GroundedCompletion lets the model consult web search before answering.
	GroundedCompletion(ctx context.Context, model string, messages []Message) (string, error)
}

var (
	ErrNotConfigured = errors.New("llm_not_configured")
	ErrEmptyResponse = errors.New("llm_empty_response")
	ErrInvalidJSON   = errors.New("llm_invalid_json")
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type GeminiClient struct {
	client  *genai.Client
	timeout time.Duration
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

func NewGeminiClient(p Params) (*GeminiClient, error) {
	apiKey := strings.TrimSpace(p.Config.LLM.APIKey)
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	timeout := p.Config.LLM.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GeminiClient{
		client:  client,
		timeout: timeout,
		log:     p.Log.Named("llm.gemini"),
		metrics: p.Metrics,
	}, nil
}

func (c *GeminiClient) ChatCompletion(ctx context.Context, model string, messages []Message, temperature float32) (string, error) {
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(temperature)}
	return c.generate(ctx, "completion", model, messages, cfg)
}

func (c *GeminiClient) ChatCompletionJSON(ctx context.Context, model string, schema *genai.Schema, messages []Message, out any) error {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.2),
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	}
	text, err := c.generate(ctx, "json", model, messages, cfg)
	if err != nil {
		return err
	}
	return DecodeJSON(text, out)
}

func (c *GeminiClient) GroundedCompletion(ctx context.Context, model string, messages []Message) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		},
	}
	return c.generate(ctx, "grounded", model, messages, cfg)
}

func (c *GeminiClient) generate(ctx context.Context, purpose, model string, messages []Message, cfg *genai.GenerateContentConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	system, contents := toContents(messages)
	if system != nil {
		cfg.SystemInstruction = system
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		c.record(ctx, purpose, "error")
		c.log.Warn("llm call failed",
			zap.String("model", model),
			zap.String("purpose", purpose),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return "", err
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		c.record(ctx, purpose, "empty")
		return "", ErrEmptyResponse
	}
	c.record(ctx, purpose, "ok")
	return text, nil
}

func (c *GeminiClient) record(ctx context.Context, purpose, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordLLMCall(ctx, purpose, outcome)
	}
}

func toContents(messages []Message) (*genai.Content, []*genai.Content) {
	var systemParts []*genai.Part
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, &genai.Part{Text: msg.Content})
		case RoleModel:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if len(systemParts) == 0 {
		return nil, contents
	}
	return &genai.Content{Parts: systemParts}, contents
}

// DecodeJSON tolerates markdown fences and prose around a single JSON object.
func DecodeJSON(text string, out any) error {
	cleaned := CleanJSON(text)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

func CleanJSON(input string) string {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "```json")
	input = strings.TrimPrefix(input, "```")
	input = strings.TrimSuffix(input, "```")
	input = strings.TrimSpace(input)

	if strings.HasPrefix(input, "{") || strings.HasPrefix(input, "[") {
		return input
	}
	start := strings.Index(input, "{")
	end := strings.LastIndex(input, "}")
	if start >= 0 && end > start {
		return input[start : end+1]
	}
	return input
}
