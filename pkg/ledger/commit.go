package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Commit is one persisted block together with the execution outcome of its
// transactions, in block order.
type Commit struct {
	Block   Block             `json:"block" yaml:"block"`
	Records []ExecutionRecord `json:"records" yaml:"records"`
}

// DecodeCommits parses a commit document. The document is either a single
// commit or a list of commits, written in JSON or YAML. YAML hex values must
// be quoted so they are not read as integers.
func DecodeCommits(data []byte) ([]Commit, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("commit document is empty")
	}

	if data[0] != '{' && data[0] != '[' {
		// Parameters only know their JSON form, so YAML is normalized first.
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse commit document: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert commit document: %w", err)
		}
		data = converted
	}

	if data[0] == '[' {
		var commits []Commit
		if err := json.Unmarshal(data, &commits); err != nil {
			return nil, fmt.Errorf("failed to decode commits: %w", err)
		}
		return commits, nil
	}

	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode commit: %w", err)
	}
	return []Commit{c}, nil
}
