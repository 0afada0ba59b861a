// Package provider abstracts the generation backends behind a capability
// registry. The orchestrator never talks to a model SDK directly; it asks
// the registry for the provider bound to a step's capability.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Capability names one kind of generation work a step can request.
type Capability string

const (
	CapResearch         Capability = "research"
	CapGenerateText     Capability = "generate_text"
	CapGenerateImage    Capability = "generate_image"
	CapGenerateSprite   Capability = "generate_sprite"
	CapRemoveBackground Capability = "remove_background"
	CapAssess           Capability = "assess"
	CapReview           Capability = "review"
	CapComposite        Capability = "composite"
)

// Request is one generation call.
type Request struct {
	Capability Capability
	Prompt     string
	Params     map[string]any
	Variation  int // index within the variation batch, usable as a seed offset
	Attempt    int
}

// Result is one generated candidate.
type Result struct {
	Text   string
	Data   []byte // binary payload for image-like capabilities
	MIME   string
	Params map[string]any // actual generation params, recorded on the artifact
}

// Provider produces content for a set of capabilities.
type Provider interface {
	Name() string
	Capabilities() []Capability
	Generate(ctx context.Context, req Request) (*Result, error)
}

// CapabilityError reports a step whose capability has no registered provider.
// It is raised at run start, before any generation happens.
type CapabilityError struct {
	Capability Capability
	StepID     string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("no provider registered for capability %q (step %q)", e.Capability, e.StepID)
}

// Registry maps capabilities to providers. Registration happens at startup;
// lookups are read-mostly.
type Registry struct {
	mu        sync.RWMutex
	providers map[Capability]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[Capability]Provider{}}
}

// Register binds a provider to every capability it reports. A later
// registration for the same capability wins.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range p.Capabilities() {
		r.providers[c] = p
	}
}

// For returns the provider bound to a capability.
func (r *Registry) For(c Capability) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[c]
	return p, ok
}

// Check verifies every required capability has a provider and returns the
// first missing one.
func (r *Registry) Check(required map[Capability]string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]Capability, 0, len(required))
	for c := range required {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	for _, c := range caps {
		if _, ok := r.providers[c]; !ok {
			return &CapabilityError{Capability: c, StepID: required[c]}
		}
	}
	return nil
}

// Capabilities lists registered capabilities, sorted.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.providers))
	for c := range r.providers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// transientError marks a failure worth retrying (rate limits, timeouts).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether an error was marked retryable or looks like a
// rate limit or timeout from an SDK that does not classify its errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"rate limit", "429", "timeout", "deadline exceeded", "503", "unavailable", "overloaded"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// Call invokes the provider with bounded retry and exponential backoff on
// transient failures. Permanent failures return immediately.
func Call(ctx context.Context, p Provider, req Request, attempts int, backoff time.Duration) (*Result, error) {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 300 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		res, err := p.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsTransient(err) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff * time.Duration(1<<i)):
		}
	}
	return nil, fmt.Errorf("%s: %w", p.Name(), lastErr)
}
