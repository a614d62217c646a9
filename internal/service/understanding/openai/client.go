// Package openai implements understanding with OpenAI structured outputs.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voice-expense-service/internal/service/understanding"
)

const schemaName = "expense_candidates"

// Config holds OpenAI settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// DefaultConfig returns default settings. APIKey must still be set.
func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4o-mini",
		Temperature: 0,
		Timeout:     15 * time.Second,
		MaxRetries:  2,
	}
}

type response struct {
	Candidates []understanding.RawCandidate `json:"candidates" jsonschema:"expenses found in the utterance"`
}

// Client calls the Chat Completions API with a JSON schema response format.
type Client struct {
	client *sdk.Client
	cfg    Config
	schema *jsonschema.Schema
	log    zerolog.Logger
}

// New creates a client. The response schema is derived from the candidate type.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}

	schema, err := jsonschema.For[response](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("openai: derive response schema: %w", err)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := sdk.NewClient(opts...)

	return &Client{
		client: &client,
		cfg:    cfg,
		schema: strict(schema),
		log:    log.With().Str("component", "understanding").Str("provider", "openai").Logger(),
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "openai"
}

// Propose asks the model for candidates in req.Utterance.
func (c *Client) Propose(ctx context.Context, req understanding.Request) ([]understanding.RawCandidate, error) {
	params := sdk.ChatCompletionNewParams{
		Model: c.cfg.Model,
		Messages: []sdk.ChatCompletionMessageParamUnion{
			{OfSystem: &sdk.ChatCompletionSystemMessageParam{
				Content: sdk.ChatCompletionSystemMessageParamContentUnion{
					OfString: param.NewOpt(understanding.SystemPrompt(req)),
				},
			}},
			{OfUser: &sdk.ChatCompletionUserMessageParam{
				Content: sdk.ChatCompletionUserMessageParamContentUnion{
					OfString: param.NewOpt(req.Utterance),
				},
			}},
		},
		Temperature: param.NewOpt(c.cfg.Temperature),
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &sdk.ResponseFormatJSONSchemaParam{
				JSONSchema: sdk.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        schemaName,
					Description: param.NewOpt("Expenses mentioned by the speaker"),
					Schema:      c.schema,
					Strict:      param.NewOpt(true),
				},
			},
		},
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("openai: refused: %s", choice.Message.Refusal)
	}

	candidates, err := decode(choice.Message.Content)
	if err != nil {
		return nil, err
	}

	c.log.Debug().
		Int("candidates", len(candidates)).
		Dur("latency", time.Since(start)).
		Str("finishReason", choice.FinishReason).
		Msg("Understanding completed")
	return candidates, nil
}

// decode parses the model output, repairing malformed JSON once.
func decode(content string) ([]understanding.RawCandidate, error) {
	var out response
	err := json.Unmarshal([]byte(content), &out)
	if err != nil {
		var syntaxErr *json.SyntaxError
		if !errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("openai: decode candidates: %w", err)
		}
		fixed, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			return nil, fmt.Errorf("openai: repair candidates: %w", repairErr)
		}
		if err := json.Unmarshal([]byte(fixed), &out); err != nil {
			return nil, fmt.Errorf("openai: decode repaired candidates: %w", err)
		}
	}
	return out.Candidates, nil
}

// strict marks every object closed and every property required, as structured outputs demand.
func strict(s *jsonschema.Schema) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	if s.Items != nil {
		s.Items = strict(s.Items)
	}
	if len(s.Properties) > 0 {
		s.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
		required := make([]string, 0, len(s.Properties))
		for name, prop := range s.Properties {
			s.Properties[name] = strict(prop)
			required = append(required, name)
		}
		sort.Strings(required)
		s.Required = required
	}
	return s
}
