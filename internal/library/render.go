package library

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/opsdeck/opsdeck/internal/models"
)

// Render materializes a definition into a draft sequence, substituting
// variables into step payloads and the sequence name.
func Render(def *Definition, vars map[string]string) (*models.Sequence, error) {
	resolved, err := resolveVariables(def, vars)
	if err != nil {
		return nil, err
	}

	name, err := renderTemplate(def.Name, resolved)
	if err != nil {
		return nil, fmt.Errorf("render name: %w", err)
	}

	steps := make([]models.Step, 0, len(def.Steps))
	for i, ds := range def.Steps {
		step, err := renderStep(ds, resolved)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	seq := &models.Sequence{
		Name:        name,
		Description: def.Description,
		Status:      models.SequenceStatusDraft,
		Steps:       steps,
	}

	if def.Repeat != nil && def.Repeat.Enabled {
		interval, err := time.ParseDuration(def.Repeat.Interval)
		if err != nil {
			return nil, fmt.Errorf("repeat interval: %w", err)
		}
		seq.Repeat = &models.RepeatPolicy{
			Enabled:    true,
			IntervalMs: interval.Milliseconds(),
			MaxRepeats: def.Repeat.MaxRepeats,
		}
	}

	seq.AssignIDs()
	if err := seq.Validate(); err != nil {
		return nil, fmt.Errorf("rendered sequence invalid: %w", err)
	}
	return seq, nil
}

func renderStep(ds DefinitionStep, vars map[string]string) (models.Step, error) {
	step := models.Step{
		Kind:        models.ActionKind(ds.Kind),
		Recipients:  append([]string(nil), ds.Recipients...),
		RequiresAck: ds.RequiresAck,
	}

	if ds.Delay != "" {
		d, err := time.ParseDuration(ds.Delay)
		if err != nil {
			return models.Step{}, fmt.Errorf("delay: %w", err)
		}
		step.DelayMs = d.Milliseconds()
	}
	if ds.AckTimeout != "" {
		d, err := time.ParseDuration(ds.AckTimeout)
		if err != nil {
			return models.Step{}, fmt.Errorf("ack_timeout: %w", err)
		}
		step.AckTimeoutMs = d.Milliseconds()
	}

	if ds.Payload != "" {
		rendered, err := renderTemplate(ds.Payload, vars)
		if err != nil {
			return models.Step{}, fmt.Errorf("payload: %w", err)
		}
		if !json.Valid([]byte(rendered)) {
			return models.Step{}, fmt.Errorf("payload is not valid JSON after rendering: %s", rendered)
		}
		step.Payload = json.RawMessage(rendered)
	}

	for bi, db := range ds.Branches {
		branch := models.Branch{
			Condition:        models.ConditionType(db.Condition),
			RequireAllAgents: db.RequireAllAgents,
			Label:            db.Label,
		}
		if db.Timeout != "" {
			d, err := time.ParseDuration(db.Timeout)
			if err != nil {
				return models.Step{}, fmt.Errorf("branch %d timeout: %w", bi, err)
			}
			branch.TimeoutMs = d.Milliseconds()
		}
		for ni, nested := range db.Steps {
			ns, err := renderStep(nested, vars)
			if err != nil {
				return models.Step{}, fmt.Errorf("branch %d step %d: %w", bi, ni, err)
			}
			branch.Steps = append(branch.Steps, ns)
		}
		step.Branches = append(step.Branches, branch)
	}

	return step, nil
}

func resolveVariables(def *Definition, vars map[string]string) (map[string]string, error) {
	resolved := map[string]string{}
	for _, v := range def.Variables {
		if val, ok := vars[v.Name]; ok {
			resolved[v.Name] = val
			continue
		}
		if v.Default != "" {
			resolved[v.Name] = v.Default
			continue
		}
		if v.Required {
			return nil, fmt.Errorf("variable %q is required", v.Name)
		}
		resolved[v.Name] = ""
	}
	// Pass through extra variables the definition does not declare.
	for k, v := range vars {
		if _, ok := resolved[k]; !ok {
			resolved[k] = v
		}
	}
	return resolved, nil
}

func renderTemplate(text string, vars map[string]string) (string, error) {
	tmpl, err := template.New("definition").
		Funcs(template.FuncMap{"default": defaultValue}).
		Option("missingkey=zero").
		Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func defaultValue(def, val any) any {
	s, ok := val.(string)
	if ok && s == "" {
		return def
	}
	if val == nil {
		return def
	}
	return val
}
