package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"artgen/internal/approval"
	"artgen/internal/asset"
	"artgen/internal/cache"
	"artgen/internal/expr"
	"artgen/internal/provider"
	"artgen/internal/spec"
	"artgen/internal/template"
)

// scopeFor builds the variable scope an asset's templates and conditions
// see: pipeline context, the asset's merged fields, and the outputs of every
// finished step (global ones plus this asset's own).
func (o *Orchestrator) scopeFor(a *asset.Asset) map[string]any {
	p := o.graph.Pipeline()
	scope := map[string]any{"context": p.Context}
	if a != nil {
		scope["asset"] = a.FieldScope()
		for id, r := range a.StepResults {
			if r.Approved && r.Error == "" {
				scope[id] = resultScope(r)
			}
		}
	}
	o.mu.Lock()
	for id, r := range o.globalResults {
		if r.Error == "" {
			scope[id] = resultScope(r)
		}
	}
	o.mu.Unlock()
	return scope
}

// resultScope exposes a step result to templates as {stepID.output} plus a
// few bookkeeping fields.
func resultScope(r *asset.StepResult) map[string]any {
	out := map[string]any{
		"approved": r.Approved,
		"attempt":  r.Attempt,
	}
	if sel, ok := r.Selected(); ok {
		out["output"] = artifactValue(sel)
	} else {
		out["output"] = ""
	}
	return out
}

// artifactValue is what downstream templates and writes_to receive: inline
// text directly, binary content by its blob ref.
func artifactValue(a asset.Artifact) string {
	return a.ContentRef
}

func (o *Orchestrator) templateScope(a *asset.Asset) template.Scope {
	p := o.graph.Pipeline()
	sc := template.Scope{Context: p.Context, StepOutputs: map[string]any{}}
	if a != nil {
		sc.Asset = a.FieldScope()
		for id, r := range a.StepResults {
			if r.Approved && r.Error == "" {
				sc.StepOutputs[id] = resultScope(r)
			}
		}
	}
	o.mu.Lock()
	for id, r := range o.globalResults {
		if r.Error == "" {
			sc.StepOutputs[id] = resultScope(r)
		}
	}
	o.mu.Unlock()
	return sc
}

func (o *Orchestrator) conditionHolds(id string, step *spec.StepDef) (bool, error) {
	if step.Condition == "" {
		return true, nil
	}
	a, _ := o.store.Get(id)
	return expr.EvaluateBool(step.Condition, o.scopeFor(a), true)
}

func (o *Orchestrator) cacheKey(step *spec.StepDef, assetID string) cache.Key {
	p := o.graph.Pipeline()
	return cache.Key{
		PipelineID:      p.Name,
		StepID:          step.ID,
		AssetID:         assetID,
		PipelineVersion: p.Version,
		ConfigHash:      cache.HashConfig(step.Config),
	}
}

// errAssetTerminal signals the worker loop that the asset reached a terminal
// state inside step execution.
var errAssetTerminal = fmt.Errorf("asset reached a terminal state")

// runAssetStep executes one step for one asset: cache consult, variation
// fan-out under the parallelism limit, then either auto-approval or a
// blocking approval-queue round trip. The semaphore slot is held only while
// generating, never while a human is deciding.
func (o *Orchestrator) runAssetStep(ctx context.Context, id string, step *spec.StepDef) error {
	if st, _ := o.store.StatusOf(id); st == asset.StatusApproved {
		if err := o.store.Transition(id, asset.StatusPending); err != nil {
			o.failAsset(id, step.ID, err)
			return errAssetTerminal
		}
	}

	policy := step.Cache.Effective(true)
	key := o.cacheKey(step, id)
	if policy != spec.CacheNever && o.cache != nil {
		hit, err := o.adoptCached(id, step, key, policy)
		if err != nil {
			o.failAsset(id, step.ID, err)
			return errAssetTerminal
		}
		if hit {
			return nil
		}
	}

	attempt := 1
	promptOverride := ""
	for {
		if err := o.store.BeginStep(id, step.ID); err != nil {
			o.failAsset(id, step.ID, err)
			return errAssetTerminal
		}
		started := time.Now()
		o.publish("step_started", id, step.ID, map[string]any{"attempt": attempt})

		arts, err := o.generateVariations(ctx, id, step, attempt, promptOverride)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.failAsset(id, step.ID, err)
			return errAssetTerminal
		}

		result := &asset.StepResult{
			StepID:     step.ID,
			Variations: arts,
			Attempt:    attempt,
			StartedAt:  started,
		}

		if step.NeedsApproval() && !o.opts.AutoApprove && o.queue != nil {
			decision, err := o.awaitDecision(ctx, id, step, result)
			if err != nil {
				return err
			}
			// A skipped decision is deferred, not resolved: the asset parks
			// back at pending and the same candidates rejoin the queue behind
			// everything else, with the attempt count untouched.
			for decision.Action == approval.ActionSkip {
				if err := o.store.Transition(id, asset.StatusPending); err != nil {
					o.failAsset(id, step.ID, err)
					return errAssetTerminal
				}
				o.publish("step_deferred", id, step.ID, map[string]any{"attempt": result.Attempt})
				decision, err = o.awaitDecision(ctx, id, step, result)
				if err != nil {
					return err
				}
			}
			switch decision.Action {
			case approval.ActionApprove:
				idx := 0
				if step.Selection == spec.SelectChooseOne {
					idx = decision.SelectedIndex
				}
				result.SelectedIndex = &idx
				result.Approved = true
				if err := o.store.Transition(id, asset.StatusApproved); err != nil {
					o.failAsset(id, step.ID, err)
					return errAssetTerminal
				}
			case approval.ActionReject, approval.ActionRegenerate:
				if err := o.store.Transition(id, asset.StatusRejected); err != nil {
					o.failAsset(id, step.ID, err)
					return errAssetTerminal
				}
				if attempt >= step.MaxAttempts {
					merr := &MaxAttemptsError{AssetID: id, StepID: step.ID, Attempts: attempt}
					result.Error = merr.Error()
					result.CompletedAt = time.Now()
					_ = o.store.SetResult(id, result)
					if err := o.store.Transition(id, asset.StatusSkipped); err != nil {
						log.Printf("skip asset %s: %v", id, err)
					}
					o.publish("asset_skipped", id, step.ID, map[string]any{"reason": merr.Error()})
					o.bump()
					return errAssetTerminal
				}
				attempt++
				promptOverride = decision.ModifiedPrompt
				o.publish("step_regenerating", id, step.ID, map[string]any{"attempt": attempt})
				continue
			default:
				return fmt.Errorf("unexpected decision %q", decision.Action)
			}
		} else {
			// Auto-approve policy: index 0, deterministically. Not a quality
			// judgment unless an assess step ordered the variations upstream.
			if step.Selection != spec.SelectNone {
				idx := 0
				result.SelectedIndex = &idx
			}
			result.Approved = true
			if err := o.store.Transition(id, asset.StatusApproved); err != nil {
				o.failAsset(id, step.ID, err)
				return errAssetTerminal
			}
		}

		result.CompletedAt = time.Now()
		if err := o.store.SetResult(id, result); err != nil {
			o.failAsset(id, step.ID, err)
			return errAssetTerminal
		}

		var fieldValue any
		if step.WritesTo != "" {
			if sel, ok := result.Selected(); ok {
				fieldValue = artifactValue(sel)
				if err := o.store.WriteField(id, step.WritesTo, fieldValue); err != nil {
					log.Printf("write field %s.%s: %v", id, step.WritesTo, err)
				}
			}
		}
		if policy != spec.CacheNever && o.cache != nil {
			if err := o.cache.Put(&cache.Entry{Key: key, Result: result, FieldValue: fieldValue}); err != nil {
				log.Printf("cache write %s: %v", key, err)
			}
		}
		o.publish("step_completed", id, step.ID, map[string]any{"attempt": result.Attempt})
		return nil
	}
}

// adoptCached reuses a cached result when the policy allows. skip_existing
// probes existence first so untouched entries are never deserialized twice.
func (o *Orchestrator) adoptCached(id string, step *spec.StepDef, key cache.Key, policy spec.CachePolicy) (bool, error) {
	if policy == spec.CacheSkipExisting {
		ok, err := o.cache.Exists(key)
		if err != nil || !ok {
			return false, err
		}
	}
	ent, ok, err := o.cache.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := o.store.BeginStep(id, step.ID); err != nil {
		return false, err
	}
	res := *ent.Result
	res.Cached = true
	res.AssetID = id
	if err := o.store.SetResult(id, &res); err != nil {
		return false, err
	}
	if step.WritesTo != "" && ent.FieldValue != nil {
		if err := o.store.WriteField(id, step.WritesTo, ent.FieldValue); err != nil {
			return false, err
		}
	}
	if err := o.store.Transition(id, asset.StatusApproved); err != nil {
		return false, err
	}
	o.publish("step_completed", id, step.ID, map[string]any{"cached": true})
	return true, nil
}

// awaitDecision enqueues an approval item (which atomically moves the asset
// to awaiting_approval) and blocks until the operator resolves it. The wait
// also ends when the run is stopped, so Stop never leaves a worker parked on
// a decision nobody will make.
func (o *Orchestrator) awaitDecision(ctx context.Context, id string, step *spec.StepDef, result *asset.StepResult) (approval.Decision, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	a, _ := o.store.Get(id)
	prompt := ""
	var fields map[string]any
	if a != nil {
		fields = a.FieldScope()
		if sc := o.templateScope(a); step.Config != nil {
			if raw, ok := step.Config["prompt"].(string); ok {
				if resolved, err := template.Resolve(raw, sc); err == nil {
					prompt = resolved
				}
			}
		}
	}
	item := &approval.Item{
		RunID:       o.opts.RunID,
		AssetID:     id,
		StepID:      step.ID,
		Mode:        step.Selection,
		Prompt:      prompt,
		Context:     fields,
		Variations:  result.Variations,
		Attempt:     result.Attempt,
		MaxAttempts: step.MaxAttempts,
	}
	return o.queue.Enqueue(ctx, item)
}

// generateVariations fans out the step's capability calls and fans the
// artifacts back in. Partial failure is tolerated: any successes proceed
// with the shortfall logged, zero successes fail the step.
func (o *Orchestrator) generateVariations(ctx context.Context, id string, step *spec.StepDef, attempt int, promptOverride string) ([]asset.Artifact, error) {
	a, _ := o.store.Get(id)

	capability, needed := capabilityFor(step.Type)
	if !needed {
		return o.upstreamVariations(a, step)
	}
	prov, ok := o.registry.For(capability)
	if !ok {
		return nil, &provider.CapabilityError{Capability: capability, StepID: step.ID}
	}

	resolved, err := template.ResolveAll(step.Config, o.templateScope(a))
	if err != nil {
		return nil, err
	}
	cfg, _ := resolved.(map[string]any)
	prompt, _ := cfg["prompt"].(string)
	if promptOverride != "" {
		// Reviewer-supplied override applies to this attempt only; the step
		// definition stays untouched.
		prompt = promptOverride
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("step %s resolved to an empty prompt", step.ID)
	}

	n := step.Variations
	if n < 1 {
		n = 1
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.sem }()

	type slot struct {
		res *provider.Result
		err error
	}
	slots := make([]slot, n)
	varSem := make(chan struct{}, o.opts.VariationParallelism)
	var wg sync.WaitGroup
	var completed atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			varSem <- struct{}{}
			defer func() { <-varSem }()
			res, err := provider.Call(ctx, prov, provider.Request{
				Capability: capability,
				Prompt:     prompt,
				Params:     cfg,
				Variation:  i,
				Attempt:    attempt,
			}, o.opts.ProviderAttempts, o.opts.ProviderBackoff)
			slots[i] = slot{res: res, err: err}
			o.publish("variation_done", id, step.ID, map[string]any{
				"variation": i,
				"attempt":   attempt,
				"ok":        err == nil,
				"percent":   int(completed.Add(1)) * 100 / n,
			})
		}(i)
	}
	wg.Wait()

	var arts []asset.Artifact
	var firstErr error
	for i, s := range slots {
		if s.err != nil {
			if firstErr == nil {
				firstErr = s.err
			}
			continue
		}
		art, err := o.storeArtifact(ctx, id, step, attempt, i, s.res)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		arts = append(arts, art)
	}
	if len(arts) == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("step %s produced no artifacts", step.ID)
		}
		return nil, firstErr
	}
	if len(arts) < n {
		log.Printf("step %s asset %s: %d of %d variations succeeded", step.ID, id, len(arts), n)
	}
	return arts, nil
}

// upstreamVariations serves user_select / user_approve gates: they present
// the first required step's variations instead of generating new content.
func (o *Orchestrator) upstreamVariations(a *asset.Asset, step *spec.StepDef) ([]asset.Artifact, error) {
	if a == nil || len(step.Requires) == 0 {
		return nil, fmt.Errorf("step %s has no upstream output to present", step.ID)
	}
	r, ok := a.Result(step.Requires[0])
	if !ok || len(r.Variations) == 0 {
		return nil, fmt.Errorf("step %s: upstream %s has no variations", step.ID, step.Requires[0])
	}
	return append([]asset.Artifact(nil), r.Variations...), nil
}

// storeArtifact turns a provider result into an artifact, pushing binary
// payloads to blob storage.
func (o *Orchestrator) storeArtifact(ctx context.Context, assetID string, step *spec.StepDef, attempt, variation int, res *provider.Result) (asset.Artifact, error) {
	kind := artifactKindFor(step.Type)
	art := asset.Artifact{
		Kind:             kind,
		GenerationParams: res.Params,
		CreatedAt:        time.Now(),
	}
	if len(res.Data) > 0 {
		ref := fmt.Sprintf("assets/%s/%s/a%d_v%d%s", assetID, step.ID, attempt, variation, extFor(res.MIME))
		if o.blobs != nil {
			if err := o.blobs.Put(ctx, o.opts.RunID, ref, res.Data); err != nil {
				return asset.Artifact{}, err
			}
		}
		art.ContentRef = ref
		return art, nil
	}
	art.ContentRef = res.Text
	art.Inline = true
	return art, nil
}

func artifactKindFor(t spec.StepType) asset.ArtifactKind {
	switch t {
	case spec.StepGenerateImage, spec.StepRemoveBackground, spec.StepComposite:
		return asset.ArtifactImage
	case spec.StepGenerateSprite:
		return asset.ArtifactSprite
	case spec.StepResearch:
		return asset.ArtifactResearch
	default:
		return asset.ArtifactText
	}
}

func extFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

// runGlobalStep executes a run-once step. Global steps are auto-resolved;
// selection gates belong on per-asset steps.
func (o *Orchestrator) runGlobalStep(ctx context.Context, step *spec.StepDef) error {
	// A restored run already carries results for finished global steps.
	o.mu.Lock()
	prev, done := o.globalResults[step.ID]
	o.mu.Unlock()
	if done && prev.Error == "" {
		return nil
	}

	policy := step.Cache.Effective(false)
	key := o.cacheKey(step, "")
	if policy != spec.CacheNever && o.cache != nil {
		if ent, ok, err := o.cache.Get(key); err != nil {
			return err
		} else if ok {
			res := *ent.Result
			res.Cached = true
			if err := o.admitDynamicAssets(ctx, step, &res); err != nil {
				return err
			}
			o.recordGlobal(step.ID, &res)
			o.publish("step_completed", "", step.ID, map[string]any{"cached": true})
			return nil
		}
	}

	capability, needed := capabilityFor(step.Type)
	if !needed {
		return fmt.Errorf("step %s: %s is only valid per asset", step.ID, step.Type)
	}
	prov, ok := o.registry.For(capability)
	if !ok {
		return &provider.CapabilityError{Capability: capability, StepID: step.ID}
	}

	resolved, err := template.ResolveAll(step.Config, o.templateScope(nil))
	if err != nil {
		return err
	}
	cfg, _ := resolved.(map[string]any)
	prompt, _ := cfg["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("step %s resolved to an empty prompt", step.ID)
	}

	started := time.Now()
	o.publish("step_started", "", step.ID, nil)

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	res, err := provider.Call(ctx, prov, provider.Request{
		Capability: capability,
		Prompt:     prompt,
		Params:     cfg,
		Attempt:    1,
	}, o.opts.ProviderAttempts, o.opts.ProviderBackoff)
	<-o.sem
	if err != nil {
		return fmt.Errorf("global step %s: %w", step.ID, err)
	}

	art, err := o.storeArtifact(ctx, "_global", step, 1, 0, res)
	if err != nil {
		return err
	}
	result := &asset.StepResult{
		StepID:      step.ID,
		Variations:  []asset.Artifact{art},
		Approved:    true,
		Attempt:     1,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if err := o.admitDynamicAssets(ctx, step, result); err != nil {
		return err
	}
	o.recordGlobal(step.ID, result)
	if policy != spec.CacheNever && o.cache != nil {
		if err := o.cache.Put(&cache.Entry{Key: key, Result: result}); err != nil {
			log.Printf("cache write %s: %v", key, err)
		}
	}
	o.publish("step_completed", "", step.ID, nil)
	return nil
}

func (o *Orchestrator) recordGlobal(stepID string, r *asset.StepResult) {
	o.mu.Lock()
	o.globalResults[stepID] = r
	o.mu.Unlock()
	o.bump()
}
