// Package thresholds loads alert threshold configuration and evaluates
// campaign metrics against it.
package thresholds

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/zimads/adsentinel/pkg/model"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var builtinDefaults []byte

// Kinds lists every threshold kind in evaluation order.
var Kinds = []model.ThresholdKind{
	model.KindLowCTR,
	model.KindHighCPC,
	model.KindBudgetUsage,
	model.KindFrequencyCap,
}

// Set maps a threshold kind to its configuration.
type Set map[model.ThresholdKind]model.Threshold

type file struct {
	Thresholds []model.Threshold `yaml:"thresholds"`
}

// LoadDefaults reads default thresholds from a YAML file. An empty path
// returns the built-in defaults.
func LoadDefaults(path string) (Set, error) {
	if path == "" {
		return LoadFromBytes(builtinDefaults)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds file %s: %w", path, err)
	}
	set, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("thresholds file %s: %w", path, err)
	}
	return set, nil
}

// LoadFromBytes parses YAML threshold data.
func LoadFromBytes(data []byte) (Set, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse thresholds: %w", err)
	}
	if len(f.Thresholds) == 0 {
		return nil, fmt.Errorf("no thresholds defined")
	}

	set := make(Set, len(f.Thresholds))
	for _, th := range f.Thresholds {
		if err := Validate(th); err != nil {
			return nil, err
		}
		set[th.Kind] = th
	}
	return set, nil
}

// Validate checks that a threshold names a known kind and direction.
func Validate(th model.Threshold) error {
	known := false
	for _, k := range Kinds {
		if th.Kind == k {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown threshold kind %q", th.Kind)
	}
	if th.Direction != model.Below && th.Direction != model.Above {
		return fmt.Errorf("threshold %s: invalid direction %q", th.Kind, th.Direction)
	}
	return nil
}

// Merge overlays a user's overrides on the defaults. Kinds without an
// override keep the default; the defaults are not modified.
func Merge(userID string, defaults Set, overrides []model.Threshold) model.ThresholdConfig {
	cfg := model.ThresholdConfig{
		UserID:     userID,
		Thresholds: make(map[model.ThresholdKind]model.Threshold, len(defaults)+len(overrides)),
	}
	for k, th := range defaults {
		cfg.Thresholds[k] = th
	}
	for _, th := range overrides {
		if Validate(th) != nil {
			continue
		}
		cfg.Thresholds[th.Kind] = th
	}
	return cfg
}
