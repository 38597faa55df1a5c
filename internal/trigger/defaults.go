package trigger

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a YAML rule file and checks every pattern compiles.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse triggers: %w", err)
	}
	if _, err := CompileAll(f.Rules); err != nil {
		return nil, err
	}
	out := make([]Rule, len(f.Rules))
	for i, r := range f.Rules {
		out[i] = cloneRule(r)
	}
	return out, nil
}

func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// DefaultRules returns the built-in seed set.
func DefaultRules() []Rule {
	rules, err := ParseRules(defaultsYAML)
	if err != nil {
		panic("trigger: embedded defaults: " + err.Error())
	}
	return rules
}
