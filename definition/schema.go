package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

var (
	schemaMu    sync.Mutex
	schemaCache = map[types.StepType]*jsonschemav5.Schema{}
)

// ConfigSchema returns the JSON Schema document describing the config of a step type.
func ConfigSchema(t types.StepType) ([]byte, error) {
	cfg, ok := types.ConfigFor(t)
	if !ok {
		return nil, fmt.Errorf("unknown step type %q", t)
	}
	reflector := jsonschema.Reflector{}
	reflector.RequiredFromJSONSchemaTags = true
	reflector.Anonymous = true
	return json.Marshal(reflector.Reflect(cfg))
}

func compiledSchema(t types.StepType) (*jsonschemav5.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[t]; ok {
		return s, nil
	}
	doc, err := ConfigSchema(t)
	if err != nil {
		return nil, err
	}
	compiler := jsonschemav5.NewCompiler()
	schemaID := fmt.Sprintf("schema://step/%s", t)
	if err := compiler.AddResource(schemaID, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema for %s: %w", t, err)
	}
	s, err := compiler.Compile(schemaID)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", t, err)
	}
	schemaCache[t] = s
	return s, nil
}

// validateConfig checks a raw step config against its step type schema.
func validateConfig(step types.Step) error {
	s, err := compiledSchema(step.Type)
	if err != nil {
		return err
	}
	raw := step.Config
	if raw == nil {
		raw = map[string]interface{}{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
