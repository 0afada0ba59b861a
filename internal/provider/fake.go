package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a deterministic in-process provider for tests and dry runs. Each
// call yields a distinct payload derived from the prompt and variation index
// so selection behavior is observable.
type Fake struct {
	mu       sync.Mutex
	calls    int
	caps     []Capability
	failures map[string]error // prompt substring -> error to return once
}

func NewFake(caps ...Capability) *Fake {
	if len(caps) == 0 {
		caps = []Capability{
			CapResearch, CapGenerateText, CapGenerateImage,
			CapGenerateSprite, CapRemoveBackground, CapAssess, CapReview,
			CapComposite,
		}
	}
	return &Fake{caps: caps, failures: map[string]error{}}
}

func (f *Fake) Name() string               { return "fake" }
func (f *Fake) Capabilities() []Capability { return f.caps }

// FailOnce arms a one-shot failure for any request whose prompt contains the
// substring.
func (f *Fake) FailOnce(promptSubstring string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[promptSubstring] = err
}

// Calls returns the number of Generate invocations so far.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	for sub, err := range f.failures {
		if sub != "" && strings.Contains(req.Prompt, sub) {
			delete(f.failures, sub)
			f.mu.Unlock()
			return nil, err
		}
	}
	f.mu.Unlock()

	switch req.Capability {
	case CapGenerateImage, CapGenerateSprite, CapRemoveBackground, CapComposite:
		return &Result{
			Data:   []byte(fmt.Sprintf("png:%s:v%d:a%d", req.Prompt, req.Variation, req.Attempt)),
			MIME:   "image/png",
			Params: map[string]any{"variation": req.Variation},
		}, nil
	default:
		return &Result{
			Text:   fmt.Sprintf("%s [%s v%d a%d]", req.Prompt, req.Capability, req.Variation, req.Attempt),
			Params: map[string]any{"variation": req.Variation},
		}, nil
	}
}
