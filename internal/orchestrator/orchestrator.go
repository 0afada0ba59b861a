// Package orchestrator drives every asset through the compiled step graph:
// one worker goroutine per asset walks its steps sequentially while a global
// runner executes run-once and gather steps, with generation bounded by a
// shared parallelism limit.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"artgen/internal/approval"
	"artgen/internal/asset"
	"artgen/internal/blob"
	"artgen/internal/cache"
	"artgen/internal/event"
	"artgen/internal/graph"
	"artgen/internal/provider"
	"artgen/internal/spec"
	"artgen/internal/state"
)

// Options tune one run.
type Options struct {
	RunID                string
	ParallelAssets       int  // concurrent generating assets, default 2
	VariationParallelism int  // concurrent capability calls per variation batch
	AutoApprove          bool // resolve selection gates without a human
	ProviderAttempts     int  // bounded retry on transient capability failures
	ProviderBackoff      time.Duration
}

func (o Options) withDefaults() Options {
	if o.RunID == "" {
		o.RunID = fmt.Sprintf("run-%d", time.Now().Unix())
	}
	if o.ParallelAssets <= 0 {
		o.ParallelAssets = 2
	}
	if o.VariationParallelism <= 0 {
		o.VariationParallelism = 3
	}
	if o.ProviderAttempts <= 0 {
		o.ProviderAttempts = 3
	}
	if o.ProviderBackoff <= 0 {
		o.ProviderBackoff = 300 * time.Millisecond
	}
	return o
}

// MaxAttemptsError reports an accept/reject loop that exhausted its bound.
// The asset ends skipped, not failed: the system worked, the content never
// satisfied the reviewer.
type MaxAttemptsError struct {
	AssetID  string
	StepID   string
	Attempts int
}

func (e *MaxAttemptsError) Error() string {
	return fmt.Sprintf("asset %s step %s: max attempts exceeded (%d)", e.AssetID, e.StepID, e.Attempts)
}

// Summary is the final run report.
type Summary struct {
	RunID     string          `json:"run_id"`
	Total     int             `json:"total"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Failures  []asset.Failure `json:"failures,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Orchestrator is the run scheduler. Workers coordinate through the asset
// store plus one condition variable; nothing outside this package mutates
// asset status.
type Orchestrator struct {
	graph    *graph.Graph
	store    *asset.Store
	queue    *approval.Queue
	cache    *cache.Manager
	states   state.Store
	blobs    blob.Store
	registry *provider.Registry
	bus      *event.Bus
	opts     Options
	docHash  string

	mu            sync.Mutex
	cond          *sync.Cond
	paused        bool
	stopped       bool
	stopCh        chan struct{} // closed once when the run is stopped
	running       bool
	runErr        error
	globalResults map[string]*asset.StepResult
	workers       map[string]bool
	wg            sync.WaitGroup
	sem           chan struct{}
	started       time.Time
}

// Deps carries the collaborating stores. Queue, cache, state and blob stores
// may be nil; the orchestrator then runs fully in memory with auto-approve.
type Deps struct {
	Graph    *graph.Graph
	Store    *asset.Store
	Queue    *approval.Queue
	Cache    *cache.Manager
	States   state.Store
	Blobs    blob.Store
	Registry *provider.Registry
	Bus      *event.Bus
	DocHash  string
}

func New(d Deps, opts Options) (*Orchestrator, error) {
	if d.Graph == nil || d.Store == nil || d.Registry == nil {
		return nil, fmt.Errorf("graph, store and registry are required")
	}
	opts = opts.withDefaults()
	if d.Bus == nil {
		d.Bus = event.NewBus()
	}
	o := &Orchestrator{
		graph:         d.Graph,
		store:         d.Store,
		queue:         d.Queue,
		cache:         d.Cache,
		states:        d.States,
		blobs:         d.Blobs,
		registry:      d.Registry,
		bus:           d.Bus,
		opts:          opts,
		docHash:       d.DocHash,
		globalResults: map[string]*asset.StepResult{},
		workers:       map[string]bool{},
		sem:           make(chan struct{}, opts.ParallelAssets),
		stopCh:        make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	if o.queue != nil {
		o.queue.OnChange(func(ev string, item *approval.Item) {
			o.bus.Publish(event.Event{
				Type:    ev,
				RunID:   o.opts.RunID,
				AssetID: item.AssetID,
				StepID:  item.StepID,
				Payload: map[string]any{"item_id": item.ID, "revision": item.Revision},
			})
		})
	}
	return o, nil
}

// Bus returns the event bus for external subscribers.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// RunID returns the effective run id after defaulting.
func (o *Orchestrator) RunID() string { return o.opts.RunID }

// Queue returns the approval queue, nil in auto-approve-only setups.
func (o *Orchestrator) Queue() *approval.Queue { return o.queue }

// Run executes the pipeline to completion, terminal failure or stop. It
// verifies capabilities before any generation so a broken setup never spends
// provider calls.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	if err := o.checkCapabilities(); err != nil {
		return nil, err
	}

	restored, err := o.restore(ctx)
	if err != nil {
		return nil, err
	}
	if !restored {
		if err := o.loadAssets(ctx); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	o.started = time.Now()
	o.running = true
	o.mu.Unlock()
	o.publish("run_started", "", "", map[string]any{"resumed": restored})

	stopWake := context.AfterFunc(ctx, o.cond.Broadcast)
	defer stopWake()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runGlobalSteps(ctx)
	}()
	o.spawnWorkers(ctx)

	o.wg.Wait()

	o.mu.Lock()
	o.running = false
	stopped := o.stopped
	runErr := o.runErr
	started := o.started
	o.mu.Unlock()

	runStatus := state.RunFinished
	if stopped {
		runStatus = state.RunStopped
	}
	o.persist(ctx, runStatus)

	counts := o.store.Counts()
	sum := &Summary{
		RunID:     o.opts.RunID,
		Total:     counts.TotalAssets,
		Completed: counts.CompletedAssets,
		Failed:    counts.FailedAssets,
		Skipped:   counts.SkippedAssets,
		Failures:  o.store.Failures(),
		Duration:  time.Since(started),
	}
	o.publish("run_finished", "", "", sum)
	return sum, runErr
}

// Pause stops dispatching new steps; in-flight generation finishes.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.cond.Broadcast()
	o.publish("run_paused", "", "", nil)
}

// Resume re-enters dispatch after a pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.cond.Broadcast()
	o.publish("run_resumed", "", "", nil)
}

// Stop halts new dispatch; in-flight calls finish and state is persisted.
// Workers parked on an approval decision abandon the wait so Run returns.
func (o *Orchestrator) Stop() {
	o.signalStop()
	o.publish("run_stopping", "", "", nil)
}

// signalStop flips the stop flag exactly once and closes stopCh, waking both
// condition-variable waiters and approval waits.
func (o *Orchestrator) signalStop() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.mu.Unlock()
	o.cond.Broadcast()
}

// Status returns the derived progress snapshot.
func (o *Orchestrator) Status() asset.QueueStatus {
	qs := o.store.Counts()
	o.mu.Lock()
	qs.Running = o.running
	qs.Paused = o.paused
	o.mu.Unlock()
	return qs
}

func (o *Orchestrator) publish(typ, assetID, stepID string, payload any) {
	o.bus.Publish(event.Event{
		Type:    typ,
		RunID:   o.opts.RunID,
		AssetID: assetID,
		StepID:  stepID,
		Payload: payload,
	})
}

// bump wakes every waiter after a state change.
func (o *Orchestrator) bump() { o.cond.Broadcast() }

// checkCapabilities verifies a provider exists for every generation step.
func (o *Orchestrator) checkCapabilities() error {
	required := map[provider.Capability]string{}
	for _, step := range o.graph.Steps() {
		if c, needed := capabilityFor(step.Type); needed {
			if _, seen := required[c]; !seen {
				required[c] = step.ID
			}
		}
	}
	return o.registry.Check(required)
}

func capabilityFor(t spec.StepType) (provider.Capability, bool) {
	switch t {
	case spec.StepResearch:
		return provider.CapResearch, true
	case spec.StepGenerateText:
		return provider.CapGenerateText, true
	case spec.StepGenerateImage:
		return provider.CapGenerateImage, true
	case spec.StepGenerateSprite:
		return provider.CapGenerateSprite, true
	case spec.StepRemoveBackground:
		return provider.CapRemoveBackground, true
	case spec.StepAssess:
		return provider.CapAssess, true
	case spec.StepReview:
		return provider.CapReview, true
	case spec.StepComposite:
		return provider.CapComposite, true
	default:
		// user_select / user_approve gate upstream output, no provider call.
		return "", false
	}
}

// spawnWorkers starts a worker for every asset that does not have one yet.
// Called at run start and again when a global step adds dynamic assets.
func (o *Orchestrator) spawnWorkers(ctx context.Context) {
	o.mu.Lock()
	var fresh []string
	for _, id := range o.store.IDs() {
		if !o.workers[id] {
			o.workers[id] = true
			fresh = append(fresh, id)
		}
	}
	o.mu.Unlock()
	for _, id := range fresh {
		o.wg.Add(1)
		go func(assetID string) {
			defer o.wg.Done()
			o.runAsset(ctx, assetID)
		}(id)
	}
}

// runAsset walks one asset through its per-asset steps, strictly one step at
// a time.
func (o *Orchestrator) runAsset(ctx context.Context, id string) {
	for {
		if !o.waitRunnable(ctx) {
			return
		}
		a, ok := o.store.Get(id)
		if !ok || a.Status.Terminal() {
			return
		}
		step := o.nextStep(a)
		if step == nil {
			o.completeAsset(id)
			o.bump()
			return
		}
		if !o.waitDeps(ctx, id, step) {
			return
		}

		run, err := o.conditionHolds(id, step)
		if err != nil {
			o.failAsset(id, step.ID, err)
			return
		}
		if !run {
			now := time.Now()
			_ = o.store.SetResult(id, &asset.StepResult{
				StepID:      step.ID,
				Approved:    true,
				StartedAt:   now,
				CompletedAt: now,
			})
			o.bump()
			continue
		}

		if err := o.runAssetStep(ctx, id, step); err != nil {
			o.persist(ctx, state.RunRunning)
			o.bump()
			return
		}
		o.persist(ctx, state.RunRunning)
		o.bump()
	}
}

// nextStep returns the first per-asset step without an approved result.
func (o *Orchestrator) nextStep(a *asset.Asset) *spec.StepDef {
	for _, step := range o.graph.PerAssetSteps() {
		if r, ok := a.Result(step.ID); ok && r.Approved && r.Error == "" {
			continue
		}
		return step
	}
	return nil
}

// waitRunnable blocks while paused. Returns false when the run is over.
func (o *Orchestrator) waitRunnable(ctx context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.paused && !o.stopped && ctx.Err() == nil {
		o.cond.Wait()
	}
	return !o.stopped && ctx.Err() == nil
}

// waitDeps blocks until every requires edge of the step is satisfied for
// this asset.
func (o *Orchestrator) waitDeps(ctx context.Context, id string, step *spec.StepDef) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		if o.stopped || ctx.Err() != nil {
			return false
		}
		a, ok := o.store.Get(id)
		if !ok || a.Status.Terminal() {
			return false
		}
		if o.graph.DepsSatisfied(step, a, o.globalDoneLocked()) {
			return true
		}
		o.cond.Wait()
	}
}

func (o *Orchestrator) globalDoneLocked() map[string]bool {
	done := make(map[string]bool, len(o.globalResults))
	for id, r := range o.globalResults {
		if r.Error == "" {
			done[id] = true
		}
	}
	return done
}

func (o *Orchestrator) completeAsset(id string) {
	err := o.store.Mutate(id, func(a *asset.Asset) error {
		switch a.Status {
		case asset.StatusApproved, asset.StatusPending:
			// Pending means every step was filtered by conditions; still done.
			a.Status = asset.StatusCompleted
			a.CurrentStepID = ""
			return nil
		default:
			return fmt.Errorf("asset %s cannot complete from %s", id, a.Status)
		}
	})
	if err != nil {
		log.Printf("complete asset %s: %v", id, err)
		return
	}
	o.publish("asset_completed", id, "", nil)
}

func (o *Orchestrator) failAsset(id, stepID string, cause error) {
	if err := o.store.Fail(id, cause.Error()); err != nil {
		log.Printf("fail asset %s: %v", id, err)
	}
	log.Printf("asset %s failed at step %s: %v", id, stepID, cause)
	o.publish("asset_failed", id, stepID, map[string]any{"error": cause.Error()})
	o.bump()
}

// runGlobalSteps executes run-once steps in topological order. Gather steps
// wait for every asset to reach a terminal-for-dependency state; failed and
// skipped assets count as terminal so the barrier always closes.
func (o *Orchestrator) runGlobalSteps(ctx context.Context) {
	for _, step := range o.graph.GlobalSteps() {
		if !o.waitGlobalReady(ctx, step) {
			return
		}
		if err := o.runGlobalStep(ctx, step); err != nil {
			// A failed global step starves every dependent, so it ends the
			// run instead of deadlocking it.
			o.mu.Lock()
			o.runErr = err
			o.mu.Unlock()
			o.signalStop()
			o.publish("run_failed", "", step.ID, map[string]any{"error": err.Error()})
			return
		}
		o.bump()
	}
}

func (o *Orchestrator) waitGlobalReady(ctx context.Context, step *spec.StepDef) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		if o.stopped || ctx.Err() != nil {
			return false
		}
		if !o.paused && o.globalReadyLocked(step) {
			return true
		}
		o.cond.Wait()
	}
}

func (o *Orchestrator) globalReadyLocked(step *spec.StepDef) bool {
	done := o.globalDoneLocked()
	for _, req := range step.Requires {
		dep, ok := o.graph.Step(req)
		if !ok {
			return false
		}
		if !dep.PerAsset() {
			if !done[req] {
				return false
			}
			continue
		}
		// Barrier over a per-asset dependency: every asset currently known
		// must be terminal for it. Dynamic assets join the store before their
		// producing step reports done, so the count is never stale. The store
		// evaluates the barrier under its own lock; workers mutate assets
		// concurrently with this check.
		if !o.store.AllStepDone(req) {
			return false
		}
	}
	return true
}
