package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadedPolicy is one policy file accepted by the validator.
type LoadedPolicy struct {
	Path string
	Validated
}

// LoadPolicies reads every .yaml/.yml file in dir and validates it. Any
// invalid file fails the whole load.
func LoadPolicies(dir string, v *Validator) ([]LoadedPolicy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read dir %s: %w", dir, err)
	}

	var out []LoadedPolicy
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		res, err := LoadPolicyFile(path, v)
		if err != nil {
			return nil, fmt.Errorf("policy: load %s: %w", entry.Name(), err)
		}
		out = append(out, LoadedPolicy{Path: path, Validated: res})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Policy.AgentID < out[j].Policy.AgentID })
	return out, nil
}

// LoadPolicyFile validates a single YAML or JSON policy document.
func LoadPolicyFile(path string, v *Validator) (Validated, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Validated{}, fmt.Errorf("read file: %w", err)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return v.Validate(data)
	}
	doc, err := YAMLToJSON(data)
	if err != nil {
		return Validated{}, err
	}
	return v.Validate(doc)
}

// YAMLToJSON converts a YAML policy document to JSON so it goes through the
// same schema validation as normalizer output.
func YAMLToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("empty policy document")
	}
	return json.Marshal(doc)
}
