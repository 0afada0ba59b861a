// Package spec parses and validates YAML pipeline definitions.
package spec

import (
	"fmt"
	"strings"
)

// Builtin primitive field types.
var BuiltinTypes = map[string]bool{
	"text":    true,
	"image":   true,
	"number":  true,
	"boolean": true,
	"list":    true,
}

// StepType enumerates the capability kinds a step can invoke.
type StepType string

const (
	StepResearch         StepType = "research"
	StepGenerateText     StepType = "generate_text"
	StepGenerateImage    StepType = "generate_image"
	StepGenerateSprite   StepType = "generate_sprite"
	StepRemoveBackground StepType = "remove_background"
	StepAssess           StepType = "assess"
	StepUserSelect       StepType = "user_select"
	StepUserApprove      StepType = "user_approve"
	StepReview           StepType = "review"
	StepComposite        StepType = "composite"
)

var validStepTypes = map[StepType]bool{
	StepResearch:         true,
	StepGenerateText:     true,
	StepGenerateImage:    true,
	StepGenerateSprite:   true,
	StepRemoveBackground: true,
	StepAssess:           true,
	StepUserSelect:       true,
	StepUserApprove:      true,
	StepReview:           true,
	StepComposite:        true,
}

// SelectionMode describes how a human (or the auto-approve policy) resolves a
// step's generated variations.
type SelectionMode string

const (
	SelectNone         SelectionMode = ""
	SelectChooseOne    SelectionMode = "choose_one"
	SelectAcceptReject SelectionMode = "accept_reject"
)

// CachePolicy controls when a step's cached result may be reused.
type CachePolicy string

const (
	CacheDefault      CachePolicy = ""
	CacheAlways       CachePolicy = "always"
	CacheNever        CachePolicy = "never"
	CacheSkipExisting CachePolicy = "skip_existing"
)

// Effective resolves the smart default: per-asset steps skip existing
// per-asset outputs, global steps reuse their single cached output.
func (p CachePolicy) Effective(perAsset bool) CachePolicy {
	if p != CacheDefault {
		return p
	}
	if perAsset {
		return CacheSkipExisting
	}
	return CacheAlways
}

// FieldType is a parsed field type declaration.
//
//	text          -> base "text"
//	image?        -> base "image", optional
//	common | rare -> enum with those values
//	MagicCard     -> reference to a user-defined type
type FieldType struct {
	Base       string
	Optional   bool
	EnumValues []string
}

func (f FieldType) IsBuiltin() bool {
	return BuiltinTypes[f.Base] || f.Base == "enum"
}

func (f FieldType) String() string {
	s := f.Base
	if len(f.EnumValues) > 0 {
		s = strings.Join(f.EnumValues, " | ")
	}
	if f.Optional {
		s += "?"
	}
	return s
}

// ParseFieldType parses a field type string.
func ParseFieldType(s string) FieldType {
	s = strings.TrimSpace(s)
	optional := strings.HasSuffix(s, "?")
	if optional {
		s = strings.TrimSpace(strings.TrimSuffix(s, "?"))
	}
	if strings.Contains(s, "|") {
		parts := strings.Split(s, "|")
		values := make([]string, 0, len(parts))
		for _, p := range parts {
			values = append(values, strings.TrimSpace(p))
		}
		return FieldType{Base: "enum", Optional: optional, EnumValues: values}
	}
	return FieldType{Base: s, Optional: optional}
}

// TypeDef is a user-defined asset type.
type TypeDef struct {
	Name   string
	Fields map[string]FieldType
}

// StepDef is one immutable step definition from the pipeline document.
type StepDef struct {
	ID          string
	Type        StepType
	Requires    []string
	ForEach     string // "" or "asset"
	Gather      bool
	Condition   string
	Variations  int
	Selection   SelectionMode
	MaxAttempts int
	Cache       CachePolicy
	WritesTo    string
	Config      map[string]any
}

// PerAsset reports whether the step runs once per asset.
func (s StepDef) PerAsset() bool { return s.ForEach == "asset" }

// NeedsApproval reports whether a human decision gate follows generation.
func (s StepDef) NeedsApproval() bool { return s.Selection != SelectNone }

// AssetSource describes where the initial asset set comes from.
type AssetSource struct {
	Type        string // asset type name, builtin or user-defined
	Items       []map[string]any
	FromFile    string
	GeneratedBy string // step id of a global step that emits the asset list
	Count       int
}

// Pipeline is a fully parsed pipeline definition.
type Pipeline struct {
	Name        string
	Version     string
	Description string
	Types       map[string]TypeDef
	Context     map[string]any
	StateDir    string
	Assets      *AssetSource
	Steps       []StepDef

	stepIndex map[string]*StepDef
}

// Reindex rebuilds the step lookup. Parse calls it; programmatically built
// pipelines must call it before use.
func (p *Pipeline) Reindex() {
	p.stepIndex = make(map[string]*StepDef, len(p.Steps))
	for i := range p.Steps {
		p.stepIndex[p.Steps[i].ID] = &p.Steps[i]
	}
}

// Step returns the step definition with the given id.
func (p *Pipeline) Step(id string) (*StepDef, bool) {
	s, ok := p.stepIndex[id]
	return s, ok
}

// StepIDs returns step ids in declaration order.
func (p *Pipeline) StepIDs() []string {
	ids := make([]string, 0, len(p.Steps))
	for i := range p.Steps {
		ids = append(ids, p.Steps[i].ID)
	}
	return ids
}

// ParseError reports a malformed pipeline document.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return "spec: " + e.Msg }

func parseErrorf(format string, args ...any) error {
	return &ParseError{Msg: fmt.Sprintf(format, args...)}
}

// ValidationError reports a structurally invalid pipeline.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "spec: " + e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
