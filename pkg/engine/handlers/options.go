package handlers

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// decodeOptions maps a step's free-form options onto a typed struct by
// round-tripping through YAML, so field names follow the same yaml tags as
// the rest of the pipeline document.
func decodeOptions(plugin string, options map[string]any, out any) error {
	if len(options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("%s: encode options: %w", plugin, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode options: %w", plugin, err)
	}
	return nil
}
