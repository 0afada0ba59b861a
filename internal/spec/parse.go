package spec

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type rawStep struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	Requires    []string       `yaml:"requires"`
	ForEach     string         `yaml:"for_each"`
	Gather      bool           `yaml:"gather"`
	Condition   string         `yaml:"condition"`
	Variations  int            `yaml:"variations"`
	Select      string         `yaml:"select"`
	Until       string         `yaml:"until"`
	MaxAttempts int            `yaml:"max_attempts"`
	Cache       any            `yaml:"cache"`
	WritesTo    string         `yaml:"writes_to"`
	Config      map[string]any `yaml:"config"`
}

type rawAssets struct {
	Type        string           `yaml:"type"`
	Count       int              `yaml:"count"`
	Items       []map[string]any `yaml:"items"`
	FromFile    string           `yaml:"from_file"`
	GeneratedBy string           `yaml:"generated_by"`
}

type rawState struct {
	Directory string `yaml:"directory"`
}

type rawPipeline struct {
	Name        string                    `yaml:"name"`
	Version     string                    `yaml:"version"`
	Description string                    `yaml:"description"`
	Types       map[string]map[string]any `yaml:"types"`
	Context     map[string]any            `yaml:"context"`
	State       *rawState                 `yaml:"state"`
	Assets      *rawAssets                `yaml:"assets"`
	Steps       []rawStep                 `yaml:"steps"`
}

// Parse parses a pipeline definition document.
func Parse(doc []byte) (*Pipeline, error) {
	var raw rawPipeline
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, parseErrorf("invalid yaml: %v", err)
	}
	if strings.TrimSpace(raw.Name) == "" {
		return nil, parseErrorf("pipeline missing required 'name' field")
	}

	p := &Pipeline{
		Name:        raw.Name,
		Version:     raw.Version,
		Description: raw.Description,
		Types:       map[string]TypeDef{},
		Context:     raw.Context,
		StateDir:    ".artgen",
		stepIndex:   map[string]*StepDef{},
	}
	if p.Version == "" {
		p.Version = "1.0"
	}
	if p.Context == nil {
		p.Context = map[string]any{}
	}
	if raw.State != nil && strings.TrimSpace(raw.State.Directory) != "" {
		p.StateDir = strings.TrimSpace(raw.State.Directory)
	}

	for name, fields := range raw.Types {
		// Names starting with _ are YAML anchor scaffolding, not types.
		if strings.HasPrefix(name, "_") {
			continue
		}
		td, err := parseTypeDef(name, fields)
		if err != nil {
			return nil, err
		}
		p.Types[name] = td
	}

	if raw.Assets != nil {
		src := &AssetSource{
			Type:        raw.Assets.Type,
			Count:       raw.Assets.Count,
			Items:       raw.Assets.Items,
			FromFile:    raw.Assets.FromFile,
			GeneratedBy: raw.Assets.GeneratedBy,
		}
		if src.Type == "" {
			src.Type = "image"
		}
		p.Assets = src
	}

	for i, rs := range raw.Steps {
		step, err := parseStep(rs, i)
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, step)
	}
	p.Reindex()

	if err := validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Load parses and validates a pipeline from a file.
func Load(path string) (*Pipeline, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(doc)
}

func parseTypeDef(name string, fields map[string]any) (TypeDef, error) {
	td := TypeDef{Name: name, Fields: map[string]FieldType{}}
	for fieldName, v := range fields {
		if strings.HasPrefix(fieldName, "_") {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return td, parseErrorf("type %q field %q must be a string type, got %T", name, fieldName, v)
		}
		td.Fields[fieldName] = ParseFieldType(s)
	}
	return td, nil
}

func parseStep(rs rawStep, idx int) (StepDef, error) {
	var zero StepDef
	if strings.TrimSpace(rs.ID) == "" {
		return zero, parseErrorf("steps[%d] missing required 'id' field", idx)
	}
	st := StepType(rs.Type)
	if !validStepTypes[st] {
		return zero, parseErrorf("step %q has invalid type %q", rs.ID, rs.Type)
	}

	step := StepDef{
		ID:          rs.ID,
		Type:        st,
		Requires:    rs.Requires,
		ForEach:     rs.ForEach,
		Gather:      rs.Gather,
		Condition:   rs.Condition,
		Variations:  rs.Variations,
		MaxAttempts: rs.MaxAttempts,
		WritesTo:    rs.WritesTo,
		Config:      rs.Config,
	}
	if step.Variations < 1 {
		step.Variations = 1
	}
	if step.Config == nil {
		step.Config = map[string]any{}
	}

	// select: "user" with N variations is choose-one; select: "user" with a
	// single variation, or until: "approved", is accept/reject.
	switch strings.TrimSpace(rs.Select) {
	case "", "auto":
		step.Selection = SelectNone
	case "user":
		if step.Variations > 1 {
			step.Selection = SelectChooseOne
		} else {
			step.Selection = SelectAcceptReject
		}
	default:
		return zero, parseErrorf("step %q has invalid select %q (want \"user\" or \"auto\")", rs.ID, rs.Select)
	}
	if strings.TrimSpace(rs.Until) == "approved" {
		if step.Selection == SelectNone {
			step.Selection = SelectAcceptReject
		}
	}
	if st == StepUserSelect && step.Selection == SelectNone {
		step.Selection = SelectChooseOne
	}
	if st == StepUserApprove && step.Selection == SelectNone {
		step.Selection = SelectAcceptReject
	}
	if step.MaxAttempts <= 0 {
		step.MaxAttempts = 10
	}

	switch v := rs.Cache.(type) {
	case nil:
		step.Cache = CacheDefault
	case bool:
		if v {
			step.Cache = CacheAlways
		} else {
			step.Cache = CacheNever
		}
	case string:
		switch v {
		case "skip_existing":
			step.Cache = CacheSkipExisting
		case "always":
			step.Cache = CacheAlways
		case "never":
			step.Cache = CacheNever
		default:
			return zero, parseErrorf("step %q has invalid cache setting %q", rs.ID, v)
		}
	default:
		return zero, parseErrorf("step %q has invalid cache setting %v", rs.ID, rs.Cache)
	}

	if step.ForEach != "" && step.ForEach != "asset" {
		return zero, parseErrorf("step %q has for_each=%q, expected \"asset\"", rs.ID, step.ForEach)
	}
	return step, nil
}
