package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var ErrInvalidPolicy = errors.New("invalid policy")

type policyFile struct {
	Policies []policyEntry `yaml:"policies"`
}

type policyEntry struct {
	ID           string      `yaml:"id"`
	Name         string      `yaml:"name"`
	Description  string      `yaml:"description"`
	ToolPatterns []string    `yaml:"tool_patterns"`
	Action       Action      `yaml:"action"`
	Granularity  Granularity `yaml:"granularity"`
	RiskLevel    RiskLevel   `yaml:"risk_level"`
	Enabled      *bool       `yaml:"enabled"`
}

// LoadFile reads an ordered policy set from a YAML (or JSON) file.
func LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	policies, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	log.Info().Str("file", path).Int("count", len(policies)).Msg("policies loaded")
	return policies, nil
}

// Parse decodes and validates a policy document. Order is preserved.
func Parse(data []byte) ([]Policy, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Policies))
	policies := make([]Policy, 0, len(doc.Policies))

	for i, entry := range doc.Policies {
		p := entry.toPolicy()
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("policy #%d: %w", i, err)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("policy #%d: %w: duplicate id %q", i, ErrInvalidPolicy, p.ID)
		}
		seen[p.ID] = struct{}{}
		policies = append(policies, p)
	}

	precompile(policies)
	return policies, nil
}

// Validate checks a single policy. Defaults must already be applied.
func Validate(p Policy) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPolicy)
	}

	if len(p.ToolPatterns) == 0 {
		return fmt.Errorf("%w: %s has no tool_patterns", ErrInvalidPolicy, p.ID)
	}

	switch p.Action {
	case ActionAllow, ActionDeny, ActionAsk:
	default:
		return fmt.Errorf("%w: %s has unknown action %q", ErrInvalidPolicy, p.ID, p.Action)
	}

	switch p.Granularity {
	case GranularityPerCall, GranularityPerSession:
	default:
		return fmt.Errorf("%w: %s has unknown granularity %q", ErrInvalidPolicy, p.ID, p.Granularity)
	}

	switch p.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("%w: %s has unknown risk_level %q", ErrInvalidPolicy, p.ID, p.RiskLevel)
	}

	return nil
}

func (e policyEntry) toPolicy() Policy {
	p := Policy{
		ID:           e.ID,
		Name:         e.Name,
		Description:  e.Description,
		ToolPatterns: e.ToolPatterns,
		Action:       e.Action,
		Granularity:  e.Granularity,
		RiskLevel:    e.RiskLevel,
		Enabled:      true,
	}

	if e.Enabled != nil {
		p.Enabled = *e.Enabled
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Granularity == "" {
		p.Granularity = GranularityPerCall
	}
	if p.RiskLevel == "" {
		p.RiskLevel = RiskMedium
	}

	return p
}

func isPolicyFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
