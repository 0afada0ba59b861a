package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRegistryCheck(t *testing.T) {
	r := NewRegistry()
	r.Register(NewFake(CapGenerateText, CapGenerateImage))

	required := map[Capability]string{
		CapGenerateText:  "describe",
		CapGenerateImage: "draw",
	}
	if err := r.Check(required); err != nil {
		t.Fatalf("check: %v", err)
	}

	required[CapResearch] = "research"
	err := r.Check(required)
	var ce *CapabilityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CapabilityError, got %v", err)
	}
	if ce.Capability != CapResearch || ce.StepID != "research" {
		t.Fatalf("unexpected error detail: %+v", ce)
	}
}

func TestRegistryLaterRegistrationWins(t *testing.T) {
	r := NewRegistry()
	first := NewFake(CapGenerateText)
	second := NewFake(CapGenerateText)
	r.Register(first)
	r.Register(second)

	p, ok := r.For(CapGenerateText)
	if !ok || p != Provider(second) {
		t.Fatalf("expected the later provider to win")
	}
}

func TestCallRetriesTransient(t *testing.T) {
	f := NewFake()
	f.FailOnce("flaky", Transient(fmt.Errorf("429 too many requests")))

	res, err := Call(context.Background(), f, Request{
		Capability: CapGenerateText,
		Prompt:     "a flaky prompt",
	}, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text == "" {
		t.Fatalf("empty result")
	}
	if f.Calls() != 2 {
		t.Fatalf("expected 2 calls (1 failure + 1 retry), got %d", f.Calls())
	}
}

func TestCallStopsOnPermanentError(t *testing.T) {
	f := NewFake()
	f.FailOnce("bad", fmt.Errorf("invalid prompt"))

	_, err := Call(context.Background(), f, Request{
		Capability: CapGenerateText,
		Prompt:     "a bad prompt",
	}, 5, time.Millisecond)
	if err == nil {
		t.Fatalf("expected error")
	}
	if f.Calls() != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", f.Calls())
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{Transient(fmt.Errorf("boom")), true},
		{fmt.Errorf("wrapped: %w", Transient(fmt.Errorf("boom"))), true},
		{fmt.Errorf("HTTP 429 Too Many Requests"), true},
		{fmt.Errorf("context deadline exceeded"), true},
		{fmt.Errorf("model is overloaded"), true},
		{fmt.Errorf("invalid api key"), false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Fatalf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestFakeDeterministicVariations(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	a, _ := f.Generate(ctx, Request{Capability: CapGenerateImage, Prompt: "p", Variation: 0})
	b, _ := f.Generate(ctx, Request{Capability: CapGenerateImage, Prompt: "p", Variation: 1})
	if string(a.Data) == string(b.Data) {
		t.Fatalf("variations should differ")
	}
	if a.MIME != "image/png" {
		t.Fatalf("unexpected mime %q", a.MIME)
	}
}
