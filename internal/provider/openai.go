package provider

import (
	"context"
	"log"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAI serves text capabilities through langchaingo, as an alternative to
// Gemini when OPENAI_API_KEY is configured.
type OpenAI struct {
	llm   *openai.LLM
	model string
	rl    *rpsLimiter
}

func NewOpenAI(model string) (*OpenAI, error) {
	if model == "" {
		model = "gpt-4o-mini"
	}
	llm, err := openai.New(openai.WithModel(model))
	if err != nil {
		return nil, err
	}
	return &OpenAI{llm: llm, model: model}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Capabilities() []Capability {
	return []Capability{CapResearch, CapGenerateText, CapAssess, CapReview}
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := o.rl.Acquire(ctx); err != nil {
		return nil, err
	}
	model := paramString(req.Params, "model", o.model)
	log.Printf("openai text request: model=%s bytes=%d", model, len(req.Prompt))

	var opts []llms.CallOption
	if model != o.model {
		opts = append(opts, llms.WithModel(model))
	}
	if t, ok := req.Params["temperature"].(float64); ok {
		opts = append(opts, llms.WithTemperature(t))
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, o.llm, req.Prompt, opts...)
	if err != nil {
		return nil, err
	}
	return &Result{Text: out, Params: map[string]any{"model": model}}, nil
}
