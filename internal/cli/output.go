package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// printStructured writes v as JSON or YAML. It reports false for the text format.
func printStructured(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case formatText, "":
		return false, nil
	default:
		return false, fmt.Errorf("unknown output format %q (supported: text, json, yaml)", format)
	}
}
