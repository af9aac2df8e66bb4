package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

//go:embed config.schema.json
var schemaSource string

const schemaURL = "config.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	errSchema      error
)

// SchemaError reports a document that does not match the settings schema.
type SchemaError struct {
	Reason error
}

func (e SchemaError) Error() string {
	return fmt.Sprintf("config does not match schema: %v", e.Reason)
}

func (e SchemaError) Unwrap() []error {
	return []error{domain.ErrConfigInvalid, e.Reason}
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader([]byte(schemaSource))); err != nil {
			errSchema = err
			return
		}
		compiledSchema, errSchema = c.Compile(schemaURL)
	})
	return compiledSchema, errSchema
}

// validateDocument checks a YAML-decoded document against the embedded
// schema. The document is re-encoded as JSON so number and key types match
// what the validator expects.
func validateDocument(doc map[string]any) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	encoded, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return SchemaError{Reason: err}
	}
	var value any
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return SchemaError{Reason: err}
	}
	if err := schema.Validate(value); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			for len(verr.Causes) > 0 {
				verr = verr.Causes[0]
			}
			return SchemaError{Reason: fmt.Errorf("%s: %s", instancePath(verr.InstanceLocation), verr.Message)}
		}
		return SchemaError{Reason: err}
	}
	return nil
}

// normalizeYAML turns maps with non-string keys (unquoted true/false route
// labels) into string-keyed maps.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

func instancePath(location string) string {
	if location == "" {
		return "/"
	}
	return location
}
