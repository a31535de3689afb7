// Package flowdef loads FlowDef documents from YAML source files, the
// format flows are authored in.
package flowdef

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
)

// Load parses one FlowDef from a YAML file at path.
func Load(path string) (model.FlowDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.FlowDef{}, kernelerrors.New("flowdef.Load", kernelerrors.CategoryPermanent, "", err)
	}
	var def model.FlowDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.FlowDef{}, kernelerrors.New("flowdef.Load", kernelerrors.CategoryFatal, "", fmt.Errorf("%s: %w", path, err))
	}
	if def.FlowKey == "" {
		return model.FlowDef{}, kernelerrors.Newf("flowdef.Load", kernelerrors.CategoryFatal, "", "%s: flow_key is required", path)
	}
	if err := validate(def); err != nil {
		return model.FlowDef{}, err
	}
	return def, nil
}

// LoadDir loads every *.yaml/*.yml file in dir as a FlowDef, keyed by its
// flow_key.
func LoadDir(dir string) (map[string]model.FlowDef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, kernelerrors.New("flowdef.LoadDir", kernelerrors.CategoryPermanent, "", err)
	}
	defs := make(map[string]model.FlowDef)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		defs[def.FlowKey] = def
	}
	return defs, nil
}

// validate checks that every depends_on reference names a declared step,
// the same precondition the scheduler's DAG builder enforces, but caught
// here at load time with the source file in context.
func validate(def model.FlowDef) error {
	known := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.StepID == "" {
			return kernelerrors.Newf("flowdef.validate", kernelerrors.CategoryFatal, def.FlowKey, "step with empty step_id")
		}
		known[s.StepID] = true
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return kernelerrors.Newf("flowdef.validate", kernelerrors.CategoryFatal, s.StepID, "%v: depends on unknown step %s", kernelerrors.ErrInvalidGraph, dep)
			}
		}
	}
	return nil
}
