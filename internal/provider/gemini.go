package provider

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	genai "google.golang.org/genai"
)

// Gemini serves text and image capabilities through the official genai
// client. The model names come from step params or the defaults below.
type Gemini struct {
	cli        *genai.Client
	textModel  string
	imageModel string
	rl         *rpsLimiter
}

func NewGemini(ctx context.Context, textModel, imageModel string) (*Gemini, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	if textModel == "" {
		textModel = "gemini-2.0-flash"
	}
	if imageModel == "" {
		imageModel = "gemini-2.0-flash-exp"
	}
	var rps float64
	var burst int
	if v := os.Getenv("GEMINI_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rps = f
		}
	}
	if v := os.Getenv("GEMINI_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			burst = n
		}
	}
	return &Gemini{cli: cli, textModel: textModel, imageModel: imageModel, rl: newRPSLimiter(rps, burst)}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Capabilities() []Capability {
	return []Capability{
		CapResearch, CapGenerateText, CapAssess, CapReview,
		CapGenerateImage, CapGenerateSprite, CapComposite,
	}
}

func (g *Gemini) Close() {
	g.rl.Stop()
}

func (g *Gemini) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := g.rl.Acquire(ctx); err != nil {
		return nil, err
	}
	switch req.Capability {
	case CapGenerateImage, CapGenerateSprite, CapComposite:
		return g.generateImage(ctx, req)
	case CapRemoveBackground:
		return nil, fmt.Errorf("gemini does not serve %s", req.Capability)
	default:
		return g.generateText(ctx, req)
	}
}

func (g *Gemini) generateText(ctx context.Context, req Request) (*Result, error) {
	model := paramString(req.Params, "model", g.textModel)
	log.Printf("gemini text request: model=%s bytes=%d", model, len(req.Prompt))
	resp, err := g.cli.Models.GenerateContent(ctx, model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: req.Prompt}}}},
		nil,
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, Transient(fmt.Errorf("gemini returned an empty response"))
	}
	return &Result{
		Text:   resp.Candidates[0].Content.Parts[0].Text,
		Params: map[string]any{"model": model},
	}, nil
}

func (g *Gemini) generateImage(ctx context.Context, req Request) (*Result, error) {
	model := paramString(req.Params, "model", g.imageModel)
	log.Printf("gemini image request: model=%s variation=%d", model, req.Variation)
	resp, err := g.cli.Models.GenerateContent(ctx, model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: req.Prompt}}}},
		&genai.GenerateContentConfig{ResponseModalities: []string{"IMAGE", "TEXT"}},
	)
	if err != nil {
		return nil, err
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &Result{
					Data:   part.InlineData.Data,
					MIME:   part.InlineData.MIMEType,
					Params: map[string]any{"model": model, "variation": req.Variation},
				}, nil
			}
		}
	}
	return nil, Transient(fmt.Errorf("gemini returned no image data"))
}

func paramString(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}
