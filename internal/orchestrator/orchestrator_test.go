package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"artgen/internal/approval"
	"artgen/internal/asset"
	"artgen/internal/cache"
	"artgen/internal/graph"
	"artgen/internal/provider"
	"artgen/internal/spec"
	"artgen/internal/state"
)

func newTestOrch(t *testing.T, doc string, opts Options, mod func(d *Deps)) (*Orchestrator, *provider.Fake) {
	t.Helper()
	p, err := spec.Parse([]byte(doc))
	require.NoError(t, err)
	g, err := graph.Compile(p)
	require.NoError(t, err)

	f := provider.NewFake()
	reg := provider.NewRegistry()
	reg.Register(f)

	d := Deps{Graph: g, Store: asset.NewStore(), Registry: reg}
	if mod != nil {
		mod(&d)
	}
	o, err := New(d, opts)
	require.NoError(t, err)
	return o, f
}

// review runs a decision loop against the queue until done closes, retrying
// stale decisions the way a client would.
func review(q *approval.Queue, done <-chan struct{}, decide func(it *approval.Item) approval.Decision) {
	for {
		select {
		case <-done:
			return
		default:
		}
		it, ok := q.Current()
		if !ok {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		_ = q.Decide(it.ID, it.Revision, decide(it))
		time.Sleep(2 * time.Millisecond)
	}
}

const basicDoc = `
name: card-art
version: "1.0"
context:
  style: watercolor
assets:
  type: image
  items:
    - name: dragon
    - name: knight
steps:
  - id: research
    type: research
    cache: false
    config:
      prompt: "study the {context.style} style"
  - id: describe
    type: generate_text
    for_each: asset
    requires: [research]
    cache: false
    config:
      prompt: "describe {asset.name} given {research.output}"
  - id: draw
    type: generate_image
    for_each: asset
    requires: [describe]
    cache: false
    config:
      prompt: "draw {asset.name}: {describe.output}"
`

func TestRunAutoApproveCompletesAllAssets(t *testing.T) {
	o, f := newTestOrch(t, basicDoc, Options{RunID: "r1", AutoApprove: true}, nil)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Total)
	require.Equal(t, 2, sum.Completed)
	require.Zero(t, sum.Failed)
	// 1 global research + 2 assets x 2 per-asset steps.
	require.Equal(t, 5, f.Calls())

	for _, id := range []string{"dragon", "knight"} {
		a, ok := o.store.Get(id)
		require.True(t, ok)
		require.Equal(t, asset.StatusCompleted, a.Status)
		r, ok := a.Result("draw")
		require.True(t, ok)
		require.True(t, r.Approved)
		require.Len(t, r.Variations, 1)
	}
}

func TestChooseOneApprovalFlow(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: draw
    type: generate_image
    for_each: asset
    variations: 3
    select: user
    cache: false
    config:
      prompt: "draw {asset.name}"
`
	store := asset.NewStore()
	q := approval.NewQueue(store)
	o, _ := newTestOrch(t, doc, Options{RunID: "r2"}, func(d *Deps) {
		d.Store = store
		d.Queue = q
	})

	done := make(chan struct{})
	defer close(done)
	go review(q, done, func(it *approval.Item) approval.Decision {
		if len(it.Variations) != 3 {
			t.Errorf("expected 3 variations, got %d", len(it.Variations))
		}
		if it.Context["name"] != "dragon" {
			t.Errorf("item should carry the asset's fields, got %v", it.Context)
		}
		return approval.Decision{Action: approval.ActionApprove, SelectedIndex: 2}
	})

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Completed)

	a, _ := o.store.Get("dragon")
	r, ok := a.Result("draw")
	require.True(t, ok)
	require.NotNil(t, r.SelectedIndex)
	require.Equal(t, 2, *r.SelectedIndex)
}

func TestRejectUntilSkipped(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: draw
    type: generate_image
    for_each: asset
    select: user
    max_attempts: 2
    cache: false
    config:
      prompt: "draw {asset.name}"
`
	store := asset.NewStore()
	q := approval.NewQueue(store)
	o, f := newTestOrch(t, doc, Options{RunID: "r3"}, func(d *Deps) {
		d.Store = store
		d.Queue = q
	})

	done := make(chan struct{})
	defer close(done)
	go review(q, done, func(it *approval.Item) approval.Decision {
		return approval.Decision{Action: approval.ActionReject}
	})

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Skipped)
	require.Zero(t, sum.Completed)
	// The attempt bound caps generation exactly.
	require.Equal(t, 2, f.Calls())

	a, _ := o.store.Get("dragon")
	require.Equal(t, asset.StatusSkipped, a.Status)
	r, _ := a.Result("draw")
	require.Contains(t, r.Error, "max attempts")
}

func TestSkipDefersDecision(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: draw
    type: generate_image
    for_each: asset
    select: user
    cache: false
    config:
      prompt: "draw {asset.name}"
`
	store := asset.NewStore()
	q := approval.NewQueue(store)
	o, f := newTestOrch(t, doc, Options{RunID: "r11"}, func(d *Deps) {
		d.Store = store
		d.Queue = q
	})

	done := make(chan struct{})
	defer close(done)
	skipped := false
	go review(q, done, func(it *approval.Item) approval.Decision {
		if !skipped {
			skipped = true
			return approval.Decision{Action: approval.ActionSkip}
		}
		return approval.Decision{Action: approval.ActionApprove}
	})

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Completed)
	// The deferred item re-joined the queue with the same candidates; skipping
	// costs neither a generation nor an attempt.
	require.Equal(t, 1, f.Calls())

	a, _ := o.store.Get("dragon")
	r, ok := a.Result("draw")
	require.True(t, ok)
	require.Equal(t, 1, r.Attempt)
}

func TestStopUnblocksPendingApproval(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: draw
    type: generate_image
    for_each: asset
    select: user
    cache: false
    config:
      prompt: "draw {asset.name}"
`
	store := asset.NewStore()
	q := approval.NewQueue(store)
	o, _ := newTestOrch(t, doc, Options{RunID: "r12"}, func(d *Deps) {
		d.Store = store
		d.Queue = q
	})

	type outcome struct {
		sum *Summary
		err error
	}
	finished := make(chan outcome, 1)
	go func() {
		sum, err := o.Run(context.Background())
		finished <- outcome{sum, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() == 0 {
		require.True(t, time.Now().Before(deadline), "item never enqueued")
		time.Sleep(time.Millisecond)
	}
	o.Stop()

	select {
	case out := <-finished:
		require.NoError(t, out.err)
		require.Zero(t, out.sum.Completed)
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after stop")
	}
	require.Zero(t, q.Len())
	st, _ := o.store.StatusOf("dragon")
	require.False(t, st.Terminal())
}

func TestVariationProgressEvents(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: draw
    type: generate_image
    for_each: asset
    variations: 4
    cache: false
    config:
      prompt: "draw {asset.name}"
`
	o, _ := newTestOrch(t, doc, Options{
		RunID:                "r13",
		AutoApprove:          true,
		VariationParallelism: 1,
	}, nil)
	events, cancel := o.Bus().Subscribe(64)
	defer cancel()

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	var percents []int
drain:
	for {
		select {
		case ev := <-events:
			if ev.Type != "variation_done" {
				continue
			}
			payload, ok := ev.Payload.(map[string]any)
			require.True(t, ok)
			percents = append(percents, payload["percent"].(int))
		default:
			break drain
		}
	}
	require.Equal(t, []int{25, 50, 75, 100}, percents)
}

func TestFailureIsolation(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
    - name: knight
steps:
  - id: draw
    type: generate_image
    for_each: asset
    cache: false
    config:
      prompt: "draw {asset.name}"
`
	o, f := newTestOrch(t, doc, Options{RunID: "r4", AutoApprove: true}, nil)
	f.FailOnce("dragon", fmt.Errorf("content policy refusal"))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Completed)
	require.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	require.Equal(t, "dragon", sum.Failures[0].AssetID)
	require.Equal(t, "draw", sum.Failures[0].StepID)

	a, _ := o.store.Get("knight")
	require.Equal(t, asset.StatusCompleted, a.Status)
}

func TestTransientFailureRetried(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: draw
    type: generate_image
    for_each: asset
    cache: false
    config:
      prompt: "draw {asset.name}"
`
	o, f := newTestOrch(t, doc, Options{
		RunID:           "r5",
		AutoApprove:     true,
		ProviderBackoff: time.Millisecond,
	}, nil)
	f.FailOnce("dragon", provider.Transient(fmt.Errorf("429 rate limited")))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Completed)
	require.Equal(t, 2, f.Calls())
}

func TestCacheHitSkipsGeneration(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
    - name: knight
steps:
  - id: research
    type: research
    config:
      prompt: "study the subject"
  - id: draw
    type: generate_image
    for_each: asset
    requires: [research]
    config:
      prompt: "draw {asset.name}"
`
	backend := cache.NewMemoryBackend()
	run := func(runID string) (*Summary, *provider.Fake) {
		mgr, err := cache.NewManager(backend, 32)
		require.NoError(t, err)
		o, f := newTestOrch(t, doc, Options{RunID: runID, AutoApprove: true}, func(d *Deps) {
			d.Cache = mgr
		})
		sum, err := o.Run(context.Background())
		require.NoError(t, err)
		return sum, f
	}

	sum1, f1 := run("cold")
	require.Equal(t, 2, sum1.Completed)
	require.Equal(t, 3, f1.Calls())

	sum2, f2 := run("warm")
	require.Equal(t, 2, sum2.Completed)
	require.Zero(t, f2.Calls())
}

func TestGatherRunsWithFailedAsset(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
    - name: knight
steps:
  - id: draw
    type: generate_image
    for_each: asset
    cache: false
    config:
      prompt: "draw {asset.name}"
  - id: collect
    type: research
    gather: true
    requires: [draw]
    cache: false
    config:
      prompt: "summarize the finished batch"
`
	o, f := newTestOrch(t, doc, Options{RunID: "r6", AutoApprove: true}, nil)
	f.FailOnce("dragon", fmt.Errorf("content policy refusal"))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Completed)
	require.Equal(t, 1, sum.Failed)

	// The barrier closed over the failed asset and the gather step still ran.
	o.mu.Lock()
	r := o.globalResults["collect"]
	o.mu.Unlock()
	require.NotNil(t, r)
	require.True(t, r.Approved)
}

func TestConditionFiltersSteps(t *testing.T) {
	doc := `
name: card-art
types:
  Card:
    rarity: common | rare
steps:
  - id: draw
    type: generate_image
    for_each: asset
    cache: false
    config:
      prompt: "draw {asset.name}"
  - id: foil
    type: generate_image
    for_each: asset
    requires: [draw]
    condition: 'asset.rarity == "rare"'
    cache: false
    config:
      prompt: "add foil to {asset.name}"
assets:
  type: Card
  items:
    - name: dragon
      rarity: rare
    - name: knight
      rarity: common
`
	o, f := newTestOrch(t, doc, Options{RunID: "r7", AutoApprove: true}, nil)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Completed)
	// draw twice, foil only for the rare card.
	require.Equal(t, 3, f.Calls())

	rare, _ := o.store.Get("dragon")
	r, ok := rare.Result("foil")
	require.True(t, ok)
	require.NotEmpty(t, r.Variations)

	common, _ := o.store.Get("knight")
	r, ok = common.Result("foil")
	require.True(t, ok)
	require.Empty(t, r.Variations)
}

func TestMissingCapabilityFailsBeforeGeneration(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: draw
    type: generate_image
    for_each: asset
    cache: false
    config:
      prompt: "draw {asset.name}"
`
	textOnly := provider.NewFake(provider.CapGenerateText)
	o, f := newTestOrch(t, doc, Options{RunID: "r8", AutoApprove: true}, func(d *Deps) {
		reg := provider.NewRegistry()
		reg.Register(textOnly)
		d.Registry = reg
	})

	_, err := o.Run(context.Background())
	var ce *provider.CapabilityError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, provider.CapGenerateImage, ce.Capability)
	require.Zero(t, textOnly.Calls())
	require.Zero(t, f.Calls())
}

func TestResumeSkipsFinishedWork(t *testing.T) {
	states, err := state.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	run := func() (*Summary, *provider.Fake) {
		o, f := newTestOrch(t, basicDoc, Options{RunID: "resume-1", AutoApprove: true}, func(d *Deps) {
			d.States = states
			d.DocHash = "h1"
		})
		sum, err := o.Run(context.Background())
		require.NoError(t, err)
		return sum, f
	}

	sum1, f1 := run()
	require.Equal(t, 2, sum1.Completed)
	require.Equal(t, 5, f1.Calls())

	sum2, f2 := run()
	require.Equal(t, 2, sum2.Completed)
	require.Zero(t, f2.Calls())
}

func TestDynamicAssetsAdmitted(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  generated_by: plan
steps:
  - id: plan
    type: research
    cache: false
    config:
      prompt: "alpha\nbeta"
  - id: describe
    type: generate_text
    for_each: asset
    cache: false
    config:
      prompt: "describe {asset.name}"
`
	o, _ := newTestOrch(t, doc, Options{RunID: "r9", AutoApprove: true}, nil)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Total)
	require.Equal(t, 2, sum.Completed)
	require.Equal(t, 2, o.store.Len())
}

func TestCancelDuringApproval(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: draw
    type: generate_image
    for_each: asset
    select: user
    cache: false
    config:
      prompt: "draw {asset.name}"
`
	store := asset.NewStore()
	q := approval.NewQueue(store)
	o, _ := newTestOrch(t, doc, Options{RunID: "r10"}, func(d *Deps) {
		d.Store = store
		d.Queue = q
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for q.Len() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	sum, err := o.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Completed)
	st, _ := o.store.StatusOf("dragon")
	require.False(t, st.Terminal())
}

func TestGraphCycleRejected(t *testing.T) {
	doc := `
name: card-art
assets:
  type: image
  items:
    - name: dragon
steps:
  - id: a
    type: generate_text
    for_each: asset
    requires: [b]
    config: {prompt: "x"}
  - id: b
    type: generate_text
    for_each: asset
    requires: [a]
    config: {prompt: "y"}
`
	p, err := spec.Parse([]byte(doc))
	require.NoError(t, err)
	_, err = graph.Compile(p)
	var ge *graph.Error
	require.True(t, errors.As(err, &ge))
	require.NotEmpty(t, ge.Cycle)
}
