package library

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// LoadBuiltinDefinitions returns the definitions shipped with the binary.
func LoadBuiltinDefinitions() ([]*Definition, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, fmt.Errorf("read builtin definitions: %w", err)
	}

	var defs []*Definition
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read builtin %s: %w", entry.Name(), err)
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse builtin %s: %w", entry.Name(), err)
		}
		if err := validateDefinition(&def); err != nil {
			return nil, fmt.Errorf("invalid builtin %s: %w", entry.Name(), err)
		}
		def.Source = "builtin"
		defs = append(defs, &def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}
