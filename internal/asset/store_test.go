package asset

import (
	"errors"
	"testing"
)

func TestStoreAddAndGet(t *testing.T) {
	s := NewStore()
	if err := s.Add(New("a", map[string]any{"name": "A"})); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(New("a", nil)); err == nil {
		t.Fatalf("duplicate id should fail")
	}
	if err := s.Add(New("  ", nil)); err == nil {
		t.Fatalf("blank id should fail")
	}
	a, ok := s.Get("a")
	if !ok || a.Status != StatusPending {
		t.Fatalf("get: %v %v", a, ok)
	}
	if got := s.IDs(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("ids: %v", got)
	}
}

func TestTransitions(t *testing.T) {
	s := NewStore()
	_ = s.Add(New("a", nil))

	steps := []Status{StatusGenerating, StatusAwaitingApproval, StatusApproved, StatusCompleted}
	for _, to := range steps {
		if err := s.Transition("a", to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	_ = s.Add(New("b", nil))
	err := s.Transition("b", StatusCompleted)
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if terr.From != StatusPending || terr.To != StatusCompleted {
		t.Fatalf("unexpected error detail: %+v", terr)
	}
}

func TestRejectCycle(t *testing.T) {
	s := NewStore()
	_ = s.Add(New("a", nil))

	for _, to := range []Status{StatusGenerating, StatusAwaitingApproval, StatusRejected, StatusGenerating} {
		if err := s.Transition("a", to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	// Exhausted attempts end in skipped, reachable from rejected.
	if err := s.Transition("a", StatusAwaitingApproval); err != nil {
		t.Fatalf("back to awaiting: %v", err)
	}
	if err := s.Transition("a", StatusRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := s.Transition("a", StatusSkipped); err != nil {
		t.Fatalf("skip after exhaustion: %v", err)
	}
}

func TestAllStepDone(t *testing.T) {
	s := NewStore()
	_ = s.Add(New("a", nil))
	_ = s.Add(New("b", nil))

	if s.AllStepDone("draw") {
		t.Fatalf("no asset has a draw result yet")
	}
	_ = s.SetResult("a", &StepResult{StepID: "draw", Approved: true})
	if s.AllStepDone("draw") {
		t.Fatalf("b is still outstanding")
	}
	// Terminal assets count as done so the barrier always closes.
	_ = s.Fail("b", "boom")
	if !s.AllStepDone("draw") {
		t.Fatalf("approved plus failed should close the barrier")
	}
}

// TestAllStepDoneConcurrent drives barrier reads against live mutations;
// it exists for the race detector.
func TestAllStepDoneConcurrent(t *testing.T) {
	s := NewStore()
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		_ = s.Add(New(id, nil))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range ids {
			_ = s.Transition(id, StatusGenerating)
			_ = s.SetResult(id, &StepResult{StepID: "draw", Approved: true})
			_ = s.Transition(id, StatusApproved)
			_ = s.Transition(id, StatusCompleted)
		}
	}()
	for {
		select {
		case <-done:
			if !s.AllStepDone("draw") {
				t.Fatalf("all assets finished draw")
			}
			return
		default:
			s.AllStepDone("draw")
		}
	}
}

func TestFailIsTerminal(t *testing.T) {
	s := NewStore()
	_ = s.Add(New("a", nil))
	_ = s.Transition("a", StatusGenerating)
	if err := s.Fail("a", "provider exploded"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	a, _ := s.Get("a")
	if a.Status != StatusFailed || a.Error != "provider exploded" {
		t.Fatalf("unexpected state: %+v", a)
	}
	if err := s.Fail("a", "again"); err == nil {
		t.Fatalf("failing a terminal asset should error")
	}
}

func TestCounts(t *testing.T) {
	s := NewStore()
	_ = s.Add(New("a", nil))
	_ = s.Add(New("b", nil))
	_ = s.Add(New("c", nil))
	_ = s.Transition("a", StatusGenerating)
	_ = s.Transition("b", StatusGenerating)
	_ = s.Transition("b", StatusAwaitingApproval)
	_ = s.Fail("c", "boom")

	qs := s.Counts()
	if qs.TotalAssets != 3 || qs.Generating != 1 || qs.AwaitingApproval != 1 || qs.FailedAssets != 1 {
		t.Fatalf("unexpected counts: %+v", qs)
	}
}

func TestFailures(t *testing.T) {
	s := NewStore()
	_ = s.Add(New("b", nil))
	_ = s.Add(New("a", nil))
	_ = s.Mutate("b", func(x *Asset) error { x.CurrentStepID = "draw"; return nil })
	_ = s.Fail("b", "boom")

	fs := s.Failures()
	if len(fs) != 1 || fs[0].AssetID != "b" || fs[0].StepID != "draw" || fs[0].Message != "boom" {
		t.Fatalf("unexpected failures: %+v", fs)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewStore()
	_ = s.Add(New("a", map[string]any{"name": "A"}))
	_ = s.SetResult("a", &StepResult{StepID: "draw", Approved: true})

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len: %d", len(snap))
	}
	snap[0].Fields["poison"] = true
	snap[0].StepResults["draw"].Approved = false

	a, _ := s.Get("a")
	if _, ok := a.Fields["poison"]; ok {
		t.Fatalf("snapshot shares field map with store")
	}
	if !a.StepResults["draw"].Approved {
		t.Fatalf("snapshot shares results with store")
	}
}

func TestSelected(t *testing.T) {
	r := &StepResult{Variations: []Artifact{{ContentRef: "x"}, {ContentRef: "y"}}}
	if sel, ok := r.Selected(); !ok || sel.ContentRef != "x" {
		t.Fatalf("default selection should be index 0: %+v %v", sel, ok)
	}
	idx := 1
	r.SelectedIndex = &idx
	if sel, _ := r.Selected(); sel.ContentRef != "y" {
		t.Fatalf("explicit selection ignored")
	}
	bad := 9
	r.SelectedIndex = &bad
	if _, ok := r.Selected(); ok {
		t.Fatalf("out of range selection should not resolve")
	}
}
