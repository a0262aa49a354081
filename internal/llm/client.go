package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/defiguard/backend/pkg/circuitbreaker"
	"github.com/defiguard/backend/pkg/logger"
	"github.com/defiguard/backend/pkg/retry"
)

var ErrEmptyResponse = errors.New("llm returned no choices")

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	// SingleAttempt skips the client's own retry loop for callers that
	// apply their own policy.
	SingleAttempt bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	client := openai.NewClientWithConfig(cfg)

	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", opts.Model),
		zap.String("embedding_model", opts.EmbeddingModel),
	)

	return &Client{
		client:         client,
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		timeout:        opts.Timeout,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	retryConfig := c.retryConfig
	if req.SingleAttempt {
		retryConfig.MaxAttempts = 1
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return ErrEmptyResponse
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return ErrEmptyResponse
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return embedding, nil
}

const protocolSystemPrompt = `You are a DeFi protocol expert. Analyze the given text and identify the specific DeFi protocol mentioned. Return only the protocol name or 'NONE' if no specific protocol is identified.`

const protocolUserPrompt = `Analyze this DeFi security incident article and identify the EXACT protocol name that was affected:

Title: %s

Description: %s...

Instructions:
- Return ONLY the exact name of the DeFi protocol that was hacked/exploited
- Look for the protocol name in the title first, then the description
- Common protocols: Uniswap, Aave, Compound, Curve, Yearn, SushiSwap, PancakeSwap, Balancer, etc.
- Cross-chain bridges: Multichain, Wormhole, Ronin Bridge, Poly Network, Nomad, etc.
- Do NOT return blockchain names (Ethereum, BSC, Polygon) unless they are the protocol itself
- Do NOT return generic terms like "DeFi", "bridge", "protocol"
- If multiple protocols are mentioned, return the PRIMARY one that was directly hacked
- If no specific protocol is clearly identified, return "NONE"

Examples:
- "Uniswap V3 pools drained" -> "Uniswap"
- "Aave flash loan attack" -> "Aave"
- "Cross-chain bridge exploited" -> "NONE" (unless a specific bridge is named)
- "Chainge Finance users unable to withdraw" -> "Chainge"

Protocol name:`

// classifyBodyLimit bounds the article text sent with a classification request.
const classifyBodyLimit = 800

// ClassifyProtocol asks the model for the affected protocol and returns its raw
// answer. It makes exactly one attempt; callers own the retry policy and must
// validate the answer before trusting it.
func (c *Client) ClassifyProtocol(ctx context.Context, title, body string) (string, error) {
	if r := []rune(body); len(r) > classifyBodyLimit {
		body = string(r[:classifyBodyLimit])
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt:  protocolSystemPrompt,
		UserPrompt:    fmt.Sprintf(protocolUserPrompt, title, body),
		Temperature:   0.1,
		MaxTokens:     50,
		SingleAttempt: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to classify protocol: %w", err)
	}

	return strings.TrimSpace(resp.Content), nil
}
