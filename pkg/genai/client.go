// Package genai provides the generative-service client used to synthesize
// extraction plans for unrecognized file formats.
package genai

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the generative operations used by the handler generator.
type Client interface {
	// SynthesizePlan produces an extraction plan for the profiled format.
	// Prior failed attempts are replayed as conversation turns so the model
	// can correct itself instead of repeating the same mistake.
	SynthesizePlan(ctx context.Context, req PlanRequest) (*PlanResponse, error)
}

// PlanRequest describes one synthesis attempt.
type PlanRequest struct {
	// Profile is the structural description of the format: extension,
	// encoding, delimiter, detected shape, and a redacted sample head.
	Profile string
	// Sample is the sample excerpt shown to the model. Callers truncate it
	// before building the request; the client sends it verbatim.
	Sample string
	// Failures lists earlier rejected plans with the reason each one was
	// rejected, oldest first.
	Failures []Failure
}

// Failure is one earlier rejected plan.
type Failure struct {
	Plan   string
	Reason string
}

// PlanResponse carries the synthesized plan and token accounting.
type PlanResponse struct {
	Plan  string
	Model string
	Usage TokenUsage
}

// TokenUsage tracks token consumption for cost attribution.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// LogCost logs token usage with structured zap fields.
func (u TokenUsage) LogCost(model, signature string) {
	zap.L().Info("plan synthesis cost",
		zap.String("model", model),
		zap.String("signature", signature),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
	)
}

const systemPrompt = `You write extraction plans: JSON programs that convert one file format into plain text records.
A plan is {"ops": [...]} where each op is one of:
  {"op": "decode", "encoding": "<iana name>"}
  {"op": "strip_markup"}
  {"op": "split_records", "delimiter": "<string>"}
  {"op": "select_fields", "fields": [<zero-based indexes>], "field_delimiter": "<string>"}
  {"op": "join", "separator": "<string>"}
Respond with the plan JSON only. No prose, no code fences.`

// Option configures the client.
type Option func(*sdkClient)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *sdkClient) {
		c.model = model
	}
}

// WithBaseURL sets a custom API base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *sdkClient) {
		c.requestOpts = append(c.requestOpts, option.WithBaseURL(url))
	}
}

type sdkClient struct {
	client      sdk.Client
	model       string
	maxTokens   int64
	requestOpts []option.RequestOption
}

// NewClient creates a generative client backed by the SDK.
func NewClient(apiKey string, opts ...Option) Client {
	c := &sdkClient{
		model:     string(sdk.ModelClaudeSonnet4_5),
		maxTokens: 2048,
	}
	c.requestOpts = append(c.requestOpts, option.WithAPIKey(apiKey))
	for _, opt := range opts {
		opt(c)
	}
	c.client = sdk.NewClient(c.requestOpts...)
	return c
}

func (c *sdkClient) SynthesizePlan(ctx context.Context, req PlanRequest) (*PlanResponse, error) {
	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  buildTurns(req),
	})
	if err != nil {
		return nil, eris.Wrap(err, "genai: synthesize plan")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	plan := ExtractJSON(text.String())
	if plan == "" {
		return nil, eris.New("genai: response contained no plan")
	}

	return &PlanResponse{
		Plan:  plan,
		Model: c.model,
		Usage: TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

// buildTurns renders the profile as the opening user turn, then each prior
// failure as an assistant turn (the rejected plan) followed by a user turn
// (the rejection reason).
func buildTurns(req PlanRequest) []sdk.MessageParam {
	var prompt strings.Builder
	prompt.WriteString("Format profile:\n")
	prompt.WriteString(req.Profile)
	prompt.WriteString("\n\nSample:\n")
	prompt.WriteString(req.Sample)

	turns := []sdk.MessageParam{
		sdk.NewUserMessage(sdk.NewTextBlock(prompt.String())),
	}
	for _, f := range req.Failures {
		turns = append(turns,
			sdk.NewAssistantMessage(sdk.NewTextBlock(f.Plan)),
			sdk.NewUserMessage(sdk.NewTextBlock("That plan was rejected: "+f.Reason+"\nProduce a corrected plan.")),
		)
	}
	return turns
}

// ExtractJSON pulls the outermost JSON object out of model output, tolerating
// code fences and surrounding prose.
func ExtractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
