package validate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk form of a validation policy.
//
//	level: strict
//	allow_file_operations: true
//	allow_network_operations: false
//	whitelist: [ls, cat, git]
//	blocked_patterns:
//	  - '\bterraform\s+destroy\b'
type PolicyFile struct {
	Level  Level `yaml:"level"`
	Policy `yaml:",inline"`
}

// LoadPolicy reads a policy file. Fields absent from the file keep their
// DefaultPolicy values and the level defaults to moderate.
func LoadPolicy(path string) (PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes policy YAML and checks that it compiles.
func ParsePolicy(data []byte) (PolicyFile, error) {
	pf := PolicyFile{Level: Moderate, Policy: DefaultPolicy()}
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return PolicyFile{}, fmt.Errorf("parse policy: %w", err)
	}
	if _, err := New(pf.Policy); err != nil {
		return PolicyFile{}, err
	}
	return pf, nil
}
