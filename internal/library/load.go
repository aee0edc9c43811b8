package library

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsdeck/opsdeck/internal/models"
)

// LoadDefinition reads and validates a single definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition file %s: %w", path, err)
	}

	if err := validateDefinition(&def); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", path, err)
	}

	def.Source = path
	return &def, nil
}

// LoadDefinitionsFromDir loads every .yaml/.yml file in dir. Files that fail
// to parse are skipped so one bad file cannot hide the rest of the library.
func LoadDefinitionsFromDir(dir string) ([]*Definition, []error) {
	var defs []*Definition
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read definitions dir: %w", err)}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, errs
}

// LoadAll merges builtin definitions with user definitions from the search
// paths. A user definition with the same name overrides the builtin one.
func LoadAll() ([]*Definition, []error) {
	byName := map[string]*Definition{}
	var errs []error

	builtins, err := LoadBuiltinDefinitions()
	if err != nil {
		errs = append(errs, err)
	}
	for _, def := range builtins {
		byName[def.Name] = def
	}

	for _, dir := range SearchPaths() {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		defs, dirErrs := LoadDefinitionsFromDir(dir)
		errs = append(errs, dirErrs...)
		for _, def := range defs {
			byName[def.Name] = def
		}
	}

	out := make([]*Definition, 0, len(byName))
	for _, def := range byName {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errs
}

// FindDefinition returns the definition with the given name, or an error
// listing what is available.
func FindDefinition(name string) (*Definition, error) {
	defs, _ := LoadAll()
	for _, def := range defs {
		if def.Name == name {
			return def, nil
		}
	}

	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return nil, fmt.Errorf("definition %q not found (available: %s)", name, strings.Join(names, ", "))
}

func validateDefinition(def *Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range def.Steps {
		if err := validateStep(step, i, true); err != nil {
			return err
		}
	}
	if def.Repeat != nil && def.Repeat.Enabled {
		if _, err := time.ParseDuration(def.Repeat.Interval); err != nil {
			return fmt.Errorf("repeat interval %q: %w", def.Repeat.Interval, err)
		}
	}
	return nil
}

func validateStep(step DefinitionStep, idx int, branchesAllowed bool) error {
	if !models.ActionKind(step.Kind).Valid() {
		return fmt.Errorf("step %d: unknown kind %q", idx, step.Kind)
	}
	if step.Delay != "" {
		if _, err := time.ParseDuration(step.Delay); err != nil {
			return fmt.Errorf("step %d: delay %q: %w", idx, step.Delay, err)
		}
	}
	if step.AckTimeout != "" {
		if !step.RequiresAck {
			return fmt.Errorf("step %d: ack_timeout set without requires_ack", idx)
		}
		if _, err := time.ParseDuration(step.AckTimeout); err != nil {
			return fmt.Errorf("step %d: ack_timeout %q: %w", idx, step.AckTimeout, err)
		}
	}
	if len(step.Branches) > 0 && !branchesAllowed {
		return fmt.Errorf("step %d: branch steps cannot declare further branches", idx)
	}
	for bi, branch := range step.Branches {
		cond := models.ConditionType(branch.Condition)
		switch cond {
		case models.ConditionAlways, models.ConditionAckReceived, models.ConditionAckNotReceived,
			models.ConditionGameFrozen, models.ConditionGameUnfrozen, models.ConditionTimeElapsed:
		default:
			return fmt.Errorf("step %d branch %d: unknown condition %q", idx, bi, branch.Condition)
		}
		if cond == models.ConditionAckNotReceived || cond == models.ConditionTimeElapsed {
			if branch.Timeout == "" {
				return fmt.Errorf("step %d branch %d: condition %s requires a timeout", idx, bi, cond)
			}
		}
		if branch.Timeout != "" {
			if _, err := time.ParseDuration(branch.Timeout); err != nil {
				return fmt.Errorf("step %d branch %d: timeout %q: %w", idx, bi, branch.Timeout, err)
			}
		}
		for ni, nested := range branch.Steps {
			if err := validateStep(nested, ni, false); err != nil {
				return fmt.Errorf("step %d branch %d: %w", idx, bi, err)
			}
		}
	}
	return nil
}
