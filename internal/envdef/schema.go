package envdef

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	yaml "gopkg.in/yaml.v3"
)

func GetJSONSchema() string {
	return `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["version", "identifier", "storeId", "scenarios"],
		"properties": {
			"version": {
				"type": "string",
				"enum": ["v1"]
			},
			"identifier": {
				"type": "string",
				"minLength": 1
			},
			"storeId": {
				"type": "string",
				"minLength": 1
			},
			"suite": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"name": {"type": "string"}
				},
				"additionalProperties": false
			},
			"urls": {
				"type": "array",
				"items": {"type": "string", "minLength": 1}
			},
			"jiraTask": {"type": "string"},
			"environmentType": {"type": "string"},
			"testType": {"type": "string"},
			"moment": {"type": "string"},
			"release": {"type": "string"},
			"scenarios": {
				"type": "array",
				"items": {
					"$ref": "#/definitions/scenario"
				},
				"minItems": 1
			}
		},
		"additionalProperties": false,
		"definitions": {
			"status": {
				"type": "string",
				"enum": ["pending", "in_progress", "blocked", "done", "done_automated", "not_applicable"]
			},
			"scenario": {
				"type": "object",
				"required": ["id", "title"],
				"properties": {
					"id": {
						"type": "string",
						"pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"
					},
					"title": {
						"type": "string",
						"minLength": 1
					},
					"category": {"type": "string"},
					"criticality": {"type": "string"},
					"observation": {"type": "string"},
					"automationNote": {"type": "string"},
					"evidenceLink": {"type": "string"},
					"status": {"$ref": "#/definitions/status"},
					"statusMobile": {"$ref": "#/definitions/status"},
					"statusDesktop": {"$ref": "#/definitions/status"}
				},
				"additionalProperties": false
			}
		}
	}`
}

// ValidateYAMLWithSchema checks a rendered definition against the JSON
// schema and reports every violation at once.
func ValidateYAMLWithSchema(yamlPayload []byte) error {
	var data interface{}
	if err := yaml.Unmarshal(yamlPayload, &data); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(GetJSONSchema())
	documentLoader := gojsonschema.NewBytesLoader(jsonData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate schema: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for _, desc := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", desc)
		}
		return fmt.Errorf("schema validation failed:\n%s", errMsg)
	}

	return nil
}
