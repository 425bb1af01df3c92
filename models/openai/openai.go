// Package openai streams completions from the OpenAI chat API or any
// OpenAI-compatible endpoint such as OpenRouter.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Desarso/nbassist/models"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	DefaultModel = openai.GPT4
	// OpenRouterBaseURL can be passed as Config.BaseURL.
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// Config configures the OpenAI backend.
type Config struct {
	APIKey  string
	Model   string // defaults to DefaultModel
	BaseURL string // custom API base URL
	OrgID   string
	Logger  *zap.Logger
}

// Backend implements models.Backend with the legacy functions API, which
// streams argument fragments as function_call deltas.
type Backend struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// New creates a Backend.
func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientCfg.OrgID = cfg.OrgID
	}

	return &Backend{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger.Named("openai"),
	}, nil
}

// Factory returns a models.BackendFactory that builds Backends from cfg with
// the supplied key.
func Factory(cfg Config) models.BackendFactory {
	return func(apiKey string) (models.Backend, error) {
		cfg.APIKey = apiKey
		return New(cfg)
	}
}

func (b *Backend) StreamCompletion(ctx context.Context, req models.CompletionRequest) (<-chan models.StreamEvent, <-chan error) {
	events := make(chan models.StreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		model := req.Model
		if model == "" {
			model = b.model
		}
		chatReq := openai.ChatCompletionRequest{
			Model:     model,
			Messages:  toMessages(req.Messages),
			Functions: toFunctions(req.Functions),
			Stream:    true,
		}
		if req.FunctionCall != "" && len(chatReq.Functions) > 0 {
			chatReq.FunctionCall = req.FunctionCall
		}

		b.logger.Debug("starting completion stream",
			zap.String("model", model),
			zap.Int("messages", len(chatReq.Messages)))

		stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			errs <- err
			return
		}
		defer stream.Close()

		send := func(ev models.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(models.End())
				return
			}
			if err != nil {
				errs <- err
				return
			}
			for _, ev := range deltaEvents(resp) {
				if !send(ev) {
					return
				}
			}
		}
	}()

	return events, errs
}

// deltaEvents converts one stream chunk into router events. Only the first
// choice is considered.
func deltaEvents(resp openai.ChatCompletionStreamResponse) []models.StreamEvent {
	if len(resp.Choices) == 0 {
		return nil
	}
	delta := resp.Choices[0].Delta

	var out []models.StreamEvent
	if delta.Content != "" {
		out = append(out, models.NarrativeToken(delta.Content))
	}
	if fc := delta.FunctionCall; fc != nil && (fc.Name != "" || fc.Arguments != "") {
		out = append(out, models.FunctionArgToken(fc.Name, fc.Arguments))
	}
	return out
}

func toMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		}
		if m.FunctionCall != nil {
			msg.FunctionCall = &openai.FunctionCall{
				Name:      m.FunctionCall.Name,
				Arguments: m.FunctionCall.Arguments,
			}
		}
		out = append(out, msg)
	}
	return out
}

func toFunctions(decls []models.FunctionDeclaration) []openai.FunctionDefinition {
	if len(decls) == 0 {
		return nil
	}
	out := make([]openai.FunctionDefinition, 0, len(decls))
	for _, d := range decls {
		out = append(out, openai.FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}
