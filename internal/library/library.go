// Package library provides loading and rendering of reusable sequence definitions.
package library

// Definition is a reusable, file-authored sequence template.
type Definition struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Steps       []DefinitionStep `yaml:"steps"`
	Variables   []DefinitionVar  `yaml:"variables,omitempty"`
	Repeat      *DefinitionRepeat `yaml:"repeat,omitempty"`
	Tags        []string         `yaml:"tags,omitempty"`
	Source      string           // file path or "builtin"
}

// DefinitionStep is a single templated step.
type DefinitionStep struct {
	Kind        string             `yaml:"kind"`
	Delay       string             `yaml:"delay,omitempty"`
	Payload     string             `yaml:"payload,omitempty"`
	Recipients  []string           `yaml:"recipients,omitempty"`
	RequiresAck bool               `yaml:"requires_ack,omitempty"`
	AckTimeout  string             `yaml:"ack_timeout,omitempty"`
	Branches    []DefinitionBranch `yaml:"branches,omitempty"`
}

// DefinitionBranch is a conditional branch attached to a step.
type DefinitionBranch struct {
	Condition        string           `yaml:"condition"`
	RequireAllAgents bool             `yaml:"require_all_agents,omitempty"`
	Timeout          string           `yaml:"timeout,omitempty"`
	Label            string           `yaml:"label,omitempty"`
	Steps            []DefinitionStep `yaml:"steps,omitempty"`
}

// DefinitionVar describes a variable used in a definition.
type DefinitionVar struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Default     string `yaml:"default,omitempty"`
	Required    bool   `yaml:"required"`
}

// DefinitionRepeat mirrors the sequence repeat policy in template form.
type DefinitionRepeat struct {
	Enabled    bool   `yaml:"enabled"`
	Interval   string `yaml:"interval"`
	MaxRepeats int    `yaml:"max_repeats,omitempty"`
}
