package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// Format selects the document encoding used by Export.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var (
	ErrEmptyDocument = errors.New("empty definition document")
	ErrFormat        = errors.New("unsupported format")
)

// Decode reads a JSON or YAML definition document without checking the graph.
// The result is canonical: decoding an exported definition yields an equal value.
func Decode(doc []byte) (types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	if len(bytes.TrimSpace(doc)) == 0 {
		return def, ErrEmptyDocument
	}
	// YAML is a superset of JSON, so one decoder covers both encodings.
	var raw interface{}
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return def, fmt.Errorf("decode definition: %w", err)
	}
	data, err := json.Marshal(normalize(raw))
	if err != nil {
		return def, fmt.Errorf("decode definition: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("decode definition: %w", err)
	}
	return Canonical(def)
}

// Parse decodes and validates a document. It never returns a partially valid
// definition: on failure the error is a ValidationErrors list or a decode error.
func Parse(doc []byte) (types.WorkflowDefinition, error) {
	def, err := Decode(doc)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	if err := Validate(def); err != nil {
		return types.WorkflowDefinition{}, err
	}
	return def, nil
}

// Export serializes a definition as a structured document.
func Export(def types.WorkflowDefinition, format Format) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(def, "", "  ")
	case FormatYAML:
		// Route through JSON so YAML output uses the same field names and shapes.
		data, err := json.Marshal(def)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var generic interface{}
		if err := dec.Decode(&generic); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(nativeNumbers(generic)); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrFormat, format)
}

// Canonical normalizes nested config values through a JSON round trip so that
// numbers and maps have a single in-memory representation.
func Canonical(def types.WorkflowDefinition) (types.WorkflowDefinition, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return def, err
	}
	var out types.WorkflowDefinition
	if err := json.Unmarshal(data, &out); err != nil {
		return def, err
	}
	return out, nil
}

// nativeNumbers turns json.Number values back into int64 or float64 so large
// ids survive YAML encoding exactly.
func nativeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = nativeNumbers(item)
		}
	case []interface{}:
		for i, item := range val {
			val[i] = nativeNumbers(item)
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	}
	return v
}

// normalize converts yaml.v3 map[interface{}]interface{} leftovers into
// JSON-compatible maps.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	}
	return v
}
