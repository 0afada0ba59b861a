package spec

func validate(p *Pipeline) error {
	knownTypes := map[string]bool{}
	for t := range BuiltinTypes {
		knownTypes[t] = true
	}
	for name := range p.Types {
		knownTypes[name] = true
	}

	// Field types must reference builtins or declared types.
	for _, td := range p.Types {
		for fieldName, ft := range td.Fields {
			if ft.IsBuiltin() {
				continue
			}
			if _, ok := p.Types[ft.Base]; !ok {
				return validationErrorf("type %q field %q references unknown type %q", td.Name, fieldName, ft.Base)
			}
		}
	}

	if p.Assets != nil {
		if !knownTypes[p.Assets.Type] {
			return validationErrorf("assets reference unknown type %q", p.Assets.Type)
		}
		if p.Assets.GeneratedBy != "" {
			if _, ok := p.stepIndex[p.Assets.GeneratedBy]; !ok {
				return validationErrorf("assets generated_by references unknown step %q", p.Assets.GeneratedBy)
			}
		}
	}

	seen := map[string]bool{}
	for i := range p.Steps {
		step := &p.Steps[i]
		if seen[step.ID] {
			return validationErrorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		for _, req := range step.Requires {
			if _, ok := p.stepIndex[req]; !ok {
				return validationErrorf("step %q requires non-existent step %q", step.ID, req)
			}
		}
		if step.Gather && len(step.Requires) == 0 {
			return validationErrorf("step %q has gather=true but no requires", step.ID)
		}
		if step.Gather && step.PerAsset() {
			return validationErrorf("step %q cannot be both gather and for_each: asset", step.ID)
		}
		if step.WritesTo != "" {
			if err := validateWritesTo(p, step); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateWritesTo checks writes_to against the declared asset type, when the
// asset type is user-defined. Builtin asset types carry no field schema.
func validateWritesTo(p *Pipeline, step *StepDef) error {
	if p.Assets == nil {
		return nil
	}
	td, ok := p.Types[p.Assets.Type]
	if !ok {
		return nil
	}
	if _, ok := td.Fields[step.WritesTo]; !ok {
		return validationErrorf("step %q writes_to unknown field %q on type %q", step.ID, step.WritesTo, td.Name)
	}
	return nil
}
