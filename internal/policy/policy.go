// Package policy holds the hard safety limits checked against live
// metrics at resolution time, independent of peer agreement.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HardLimits are the absolute thresholds a resumption must clear.
type HardLimits struct {
	MinCoherence      float64 `yaml:"min_coherence"`
	MaxAttentionScore float64 `yaml:"max_attention_score"`
	AllowVoidResume   bool    `yaml:"allow_void_resume"`
}

// Defaults returns the built-in hard limits.
func Defaults() HardLimits {
	return HardLimits{
		MinCoherence:      0.3,
		MaxAttentionScore: 0.9,
		AllowVoidResume:   false,
	}
}

// Load reads hard limits from a YAML policy file. A missing file is not
// an error; the defaults apply.
func Load(path string) (HardLimits, error) {
	limits := Defaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return limits, nil
	}
	if err != nil {
		return limits, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return limits, fmt.Errorf("parse policy file: %w", err)
	}
	return limits, nil
}
