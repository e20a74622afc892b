package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var frameSchemaSources = map[string]string{
	string(EventStart): `{
		"type": "object",
		"required": ["event", "start"],
		"properties": {
			"event": {"const": "start"},
			"streamSid": {"type": "string"},
			"start": {
				"type": "object",
				"required": ["streamSid", "callSid"],
				"properties": {
					"streamSid": {"type": "string", "minLength": 1},
					"callSid": {"type": "string", "minLength": 1},
					"customParameters": {
						"type": "object",
						"additionalProperties": {"type": "string"}
					}
				}
			}
		}
	}`,
	string(EventMedia): `{
		"type": "object",
		"required": ["event", "media"],
		"properties": {
			"event": {"const": "media"},
			"media": {
				"type": "object",
				"required": ["payload"],
				"properties": {
					"payload": {"type": "string", "minLength": 1}
				}
			}
		}
	}`,
	string(TypeConfigureAgent): `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"const": "configure_agent"},
			"prompt": {"type": "string", "maxLength": 20000},
			"first_message": {"type": "string", "maxLength": 2000}
		}
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileFrameSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiled := make(map[string]*jsonschema.Schema, len(frameSchemaSources))
		for name, src := range frameSchemaSources {
			url := "mem://frames/" + name + ".json"
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
				schemasErr = fmt.Errorf("add schema resource %s: %w", name, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			compiled[name] = schema
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

func validateFrame(name string, raw []byte) error {
	compiled, err := compileFrameSchemas()
	if err != nil {
		return err
	}
	schema, ok := compiled[name]
	if !ok {
		return nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid %s frame: %w", name, err)
	}
	return nil
}
