package checks

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Lists are the reviewer-maintained inputs of the QC checks panel.
type Lists struct {
	Blacklist   []string      `yaml:"blacklist"`
	Curated     []string      `yaml:"curated"`
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`
	StrikeLimit int           `yaml:"strike_limit"`
}

// DefaultLists returns empty artist lists with the usual duration bounds.
func DefaultLists() Lists {
	return Lists{
		MinDuration: 30 * time.Second,
		MaxDuration: 20 * time.Minute,
		StrikeLimit: 3,
	}
}

// LoadLists reads a YAML list file. Zero bounds keep their defaults.
func LoadLists(path string) (Lists, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lists{}, fmt.Errorf("read lists: %w", err)
	}
	var loaded Lists
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Lists{}, fmt.Errorf("parse lists %s: %w", path, err)
	}

	lists := DefaultLists()
	lists.Blacklist = loaded.Blacklist
	lists.Curated = loaded.Curated
	if loaded.MinDuration > 0 {
		lists.MinDuration = loaded.MinDuration
	}
	if loaded.MaxDuration > 0 {
		lists.MaxDuration = loaded.MaxDuration
	}
	if loaded.StrikeLimit > 0 {
		lists.StrikeLimit = loaded.StrikeLimit
	}
	if lists.MaxDuration <= lists.MinDuration {
		return Lists{}, fmt.Errorf("lists %s: max_duration %s must exceed min_duration %s", path, lists.MaxDuration, lists.MinDuration)
	}
	return lists, nil
}
