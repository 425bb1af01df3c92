// Package gemini streams completions from the Gemini API through the genai SDK.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Desarso/nbassist/models"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.5-flash"

// Config configures the Gemini backend.
type Config struct {
	APIKey  string
	Model   string // defaults to DefaultModel
	BaseURL string // overrides the API endpoint, mainly for tests
	Logger  *zap.Logger
}

// Backend implements models.Backend. Gemini delivers a function call as one
// complete part, so it surfaces as a single function-args event.
type Backend struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// New creates a Backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Backend{client: client, model: cfg.Model, logger: cfg.Logger.Named("gemini")}, nil
}

// Factory returns a models.BackendFactory that builds Backends from cfg with
// the supplied key.
func Factory(cfg Config) models.BackendFactory {
	return func(apiKey string) (models.Backend, error) {
		cfg.APIKey = apiKey
		return New(context.Background(), cfg)
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
		system, contents := toContents(req.Messages)
		config := &genai.GenerateContentConfig{SystemInstruction: system}
		if len(req.Functions) > 0 && req.FunctionCall != "none" {
			config.Tools = []*genai.Tool{{FunctionDeclarations: toDeclarations(req.Functions)}}
		}

		b.logger.Debug("starting completion stream",
			zap.String("model", model),
			zap.Int("contents", len(contents)))

		for resp, err := range b.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				errs <- err
				return
			}
			for _, ev := range responseEvents(resp) {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}

		select {
		case events <- models.End():
		case <-ctx.Done():
		}
	}()

	return events, errs
}

// toContents maps a transcript onto Gemini contents. The system message
// becomes the system instruction; function results are sent back as user
// turns carrying a FunctionResponse part.
func toContents(msgs []models.Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			system = genai.NewContentFromText(m.Content, genai.RoleUser)
		case models.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case models.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			if m.FunctionCall != nil {
				parts = append(parts, genai.NewPartFromFunctionCall(m.FunctionCall.Name, decodeArgs(m.FunctionCall.Arguments)))
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(""))
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		case models.RoleFunction:
			part := genai.NewPartFromFunctionResponse(m.Name, map[string]any{"output": m.Content})
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		}
	}
	return system, contents
}

func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"code": raw}
	}
	return args
}

func responseEvents(resp *genai.GenerateContentResponse) []models.StreamEvent {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}

	var out []models.StreamEvent
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part == nil || part.Thought:
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || part.FunctionCall.Args == nil {
				args = []byte("{}")
			}
			out = append(out, models.FunctionArgToken(part.FunctionCall.Name, string(args)))
		case part.Text != "":
			out = append(out, models.NarrativeToken(part.Text))
		}
	}
	return out
}

func toDeclarations(decls []models.FunctionDeclaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		out = append(out, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toSchema(d.Parameters),
		})
	}
	return out
}

func toSchema(p models.Parameters) *genai.Schema {
	s := &genai.Schema{
		Type:       schemaType(p.Type),
		Properties: make(map[string]*genai.Schema, len(p.Properties)),
		Required:   p.Required,
	}
	for name, raw := range p.Properties {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		ps := &genai.Schema{}
		if t, ok := prop["type"].(string); ok {
			ps.Type = schemaType(t)
		}
		if desc, ok := prop["description"].(string); ok {
			ps.Description = desc
		}
		if enum, ok := prop["enum"].([]string); ok {
			ps.Enum = enum
		}
		s.Properties[name] = ps
	}
	return s
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}
