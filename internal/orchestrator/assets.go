package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"artgen/internal/asset"
	"artgen/internal/ident"
	"artgen/internal/spec"
	"artgen/internal/state"
)

// loadAssets populates the store from the pipeline's asset source. A
// dynamic (generated_by) source starts empty; its producing step admits the
// assets mid-run.
func (o *Orchestrator) loadAssets(_ context.Context) error {
	src := o.graph.Pipeline().Assets
	if src == nil {
		return fmt.Errorf("pipeline declares no asset source")
	}
	if src.GeneratedBy != "" {
		return nil
	}

	items := src.Items
	if src.FromFile != "" {
		loaded, err := loadAssetFile(src.FromFile)
		if err != nil {
			return err
		}
		items = loaded
	}
	if src.Count > 0 && len(items) > src.Count {
		items = items[:src.Count]
	}
	if len(items) == 0 {
		return fmt.Errorf("asset source yielded no assets")
	}
	gen := ident.NewGenerator()
	for i, fields := range items {
		id := assetID(gen, fields, i)
		if err := o.store.Add(asset.New(id, fields)); err != nil {
			return err
		}
	}
	return nil
}

// loadAssetFile reads an asset list from YAML or JSON. YAML parsing covers
// both since JSON is a YAML subset.
func loadAssetFile(path string) ([]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("asset file: %w", err)
	}
	var items []map[string]any
	if err := yaml.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		return items, nil
	}
	var wrapper struct {
		Assets []map[string]any `yaml:"assets"`
	}
	if err := yaml.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Assets) > 0 {
		return wrapper.Assets, nil
	}
	return nil, fmt.Errorf("asset file %s: expected a list of objects", path)
}

// assetID prefers a declared id or name; same-named entries in one batch get
// distinct ids from the generator.
func assetID(gen *ident.Generator, fields map[string]any, i int) string {
	for _, key := range []string{"id", "name"} {
		if v, ok := fields[key].(string); ok && strings.TrimSpace(v) != "" {
			return gen.Generate(v)
		}
	}
	return gen.Generate(fmt.Sprintf("asset-%d", i+1))
}

// admitDynamicAssets parses a generating step's output into new assets and
// spawns their workers. It runs before the step is marked done so gather
// barriers never snapshot a short asset count.
func (o *Orchestrator) admitDynamicAssets(ctx context.Context, step *spec.StepDef, r *asset.StepResult) error {
	src := o.graph.Pipeline().Assets
	if src == nil || src.GeneratedBy != step.ID {
		return nil
	}
	sel, ok := r.Selected()
	if !ok || !sel.Inline {
		return fmt.Errorf("step %s: dynamic asset source must produce inline text", step.ID)
	}
	items, err := parseAssetList(sel.ContentRef)
	if err != nil {
		return fmt.Errorf("step %s: %w", step.ID, err)
	}
	if src.Count > 0 && len(items) > src.Count {
		items = items[:src.Count]
	}
	if len(items) == 0 {
		return fmt.Errorf("step %s produced no assets", step.ID)
	}
	gen := ident.NewGenerator()
	for i, fields := range items {
		id := assetID(gen, fields, i)
		if err := o.store.Add(asset.New(id, fields)); err != nil {
			// Resumed runs re-admit the same ids; that is not a failure.
			log.Printf("admit asset %s: %v", id, err)
		}
	}
	o.publish("assets_admitted", "", step.ID, map[string]any{"count": len(items)})
	o.spawnWorkers(ctx)
	return nil
}

// parseAssetList accepts a JSON array of objects, a JSON object with an
// "assets" array, or plain text with one asset name per line.
func parseAssetList(text string) ([]map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty asset list")
	}
	if strings.HasPrefix(text, "[") {
		var items []map[string]any
		if err := json.Unmarshal([]byte(text), &items); err == nil {
			return items, nil
		}
	}
	if strings.HasPrefix(text, "{") {
		var wrapper struct {
			Assets []map[string]any `json:"assets"`
		}
		if err := json.Unmarshal([]byte(text), &wrapper); err == nil && len(wrapper.Assets) > 0 {
			return wrapper.Assets, nil
		}
	}
	var items []map[string]any
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		items = append(items, map[string]any{"name": line})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("could not parse asset list")
	}
	return items, nil
}

// restore rebuilds the store from a saved snapshot when the run id matches
// and the pipeline definition has not changed. Assets caught mid-step reset
// to pending; their approved step results survive, so finished work is not
// repeated.
func (o *Orchestrator) restore(ctx context.Context) (bool, error) {
	if o.states == nil {
		return false, nil
	}
	st, err := o.states.Load(ctx, o.opts.RunID)
	if err == state.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if st.PipelineHash != o.docHash {
		log.Printf("run %s: pipeline definition changed since last save, starting fresh", o.opts.RunID)
		return false, nil
	}
	for _, a := range st.Assets {
		if !a.Status.Terminal() {
			a.Status = asset.StatusPending
			a.CurrentStepID = ""
			for stepID, r := range a.StepResults {
				if !r.Approved || r.Error != "" {
					delete(a.StepResults, stepID)
				}
			}
		}
		if err := o.store.Add(a); err != nil {
			return false, err
		}
	}
	o.mu.Lock()
	for id, r := range st.GlobalResults {
		o.globalResults[id] = r
	}
	o.mu.Unlock()
	log.Printf("run %s: resumed with %d assets", o.opts.RunID, o.store.Len())
	return true, nil
}

// persist saves a snapshot, best effort; a failed save never interrupts the
// run.
func (o *Orchestrator) persist(ctx context.Context, status state.RunStatus) {
	if o.states == nil {
		return
	}
	p := o.graph.Pipeline()
	o.mu.Lock()
	globals := make(map[string]*asset.StepResult, len(o.globalResults))
	for id, r := range o.globalResults {
		globals[id] = r
	}
	started := o.started
	o.mu.Unlock()

	st := &state.RunState{
		RunID:         o.opts.RunID,
		PipelineID:    p.Name,
		Version:       p.Version,
		PipelineHash:  o.docHash,
		Status:        status,
		Assets:        o.store.Snapshot(),
		GlobalResults: globals,
		StartedAt:     started,
	}
	if err := o.states.Save(ctx, st); err != nil {
		log.Printf("persist run %s: %v", o.opts.RunID, err)
	}
}
