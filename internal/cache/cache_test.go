package cache

import (
	"testing"

	"artgen/internal/asset"
)

func testKey(stepID, assetID string) Key {
	return Key{
		PipelineID:      "card-art",
		StepID:          stepID,
		AssetID:         assetID,
		PipelineVersion: "1.0",
		ConfigHash:      "abcd1234",
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(NewMemoryBackend(), 8)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestManagerRoundTrip(t *testing.T) {
	m := newTestManager(t)
	key := testKey("draw", "a")

	if _, ok, err := m.Get(key); err != nil || ok {
		t.Fatalf("expected miss: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Exists(key); err != nil || ok {
		t.Fatalf("expected not exists: ok=%v err=%v", ok, err)
	}

	ent := &Entry{
		Key:        key,
		Result:     &asset.StepResult{StepID: "draw", AssetID: "a", Approved: true, Attempt: 1},
		FieldValue: "blobs/a.png",
	}
	if err := m.Put(ent); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := m.Get(key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Result.StepID != "draw" || got.FieldValue != "blobs/a.png" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if ok, _ := m.Exists(key); !ok {
		t.Fatalf("exists after put")
	}
}

func TestManagerServesFromBackendAfterFrontMiss(t *testing.T) {
	backend := NewMemoryBackend()
	m1, _ := NewManager(backend, 8)
	key := testKey("draw", "a")
	_ = m1.Put(&Entry{Key: key, Result: &asset.StepResult{StepID: "draw", Approved: true}})

	// A second manager over the same backend has a cold front.
	m2, _ := NewManager(backend, 8)
	got, ok, err := m2.Get(key)
	if err != nil || !ok || got.Result.StepID != "draw" {
		t.Fatalf("backend read failed: ok=%v err=%v", ok, err)
	}
}

func TestInvalidateStep(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"a", "b"} {
		_ = m.Put(&Entry{Key: testKey("draw", id), Result: &asset.StepResult{StepID: "draw"}})
		_ = m.Put(&Entry{Key: testKey("describe", id), Result: &asset.StepResult{StepID: "describe"}})
	}
	if err := m.InvalidateStep("card-art", "1.0", "draw"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if ok, _ := m.Exists(testKey("draw", "a")); ok {
		t.Fatalf("draw/a should be gone")
	}
	if ok, _ := m.Exists(testKey("draw", "b")); ok {
		t.Fatalf("draw/b should be gone")
	}
	if ok, _ := m.Exists(testKey("describe", "a")); !ok {
		t.Fatalf("describe/a should survive")
	}
}

func TestInvalidateAsset(t *testing.T) {
	m := newTestManager(t)
	for _, step := range []string{"draw", "describe"} {
		for _, id := range []string{"a", "b"} {
			_ = m.Put(&Entry{Key: testKey(step, id), Result: &asset.StepResult{StepID: step}})
		}
	}
	if err := m.InvalidateAsset("card-art", "1.0", "a"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	for _, step := range []string{"draw", "describe"} {
		if ok, _ := m.Exists(testKey(step, "a")); ok {
			t.Fatalf("%s/a should be gone", step)
		}
		if ok, _ := m.Exists(testKey(step, "b")); !ok {
			t.Fatalf("%s/b should survive", step)
		}
	}
}

func TestInvalidatePipeline(t *testing.T) {
	m := newTestManager(t)
	_ = m.Put(&Entry{Key: testKey("draw", "a"), Result: &asset.StepResult{StepID: "draw"}})
	other := testKey("draw", "a")
	other.PipelineID = "posters"
	_ = m.Put(&Entry{Key: other, Result: &asset.StepResult{StepID: "draw"}})

	if err := m.InvalidatePipeline("card-art"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if ok, _ := m.Exists(testKey("draw", "a")); ok {
		t.Fatalf("card-art entries should be gone")
	}
	if ok, _ := m.Exists(other); !ok {
		t.Fatalf("other pipelines should survive")
	}
}

func TestHashConfigStable(t *testing.T) {
	a := map[string]any{"prompt": "x", "model": "m", "nested": map[string]any{"k": 1, "j": 2}}
	b := map[string]any{"nested": map[string]any{"j": 2, "k": 1}, "model": "m", "prompt": "x"}
	if HashConfig(a) != HashConfig(b) {
		t.Fatalf("equal configs should hash equally")
	}
	c := map[string]any{"prompt": "y", "model": "m"}
	if HashConfig(a) == HashConfig(c) {
		t.Fatalf("different configs should hash differently")
	}
}

func TestGlobalKeyString(t *testing.T) {
	k := testKey("research", "")
	if got := k.String(); got != "card-art/1.0/research/_global/abcd1234" {
		t.Fatalf("unexpected key string %q", got)
	}
}
