package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var builtinSchemas = map[string]string{
	"submission.created": `{
		"type": "object",
		"required": ["jobTitle"],
		"properties": {
			"jobTitle": {"type": "string", "minLength": 1},
			"candidateName": {"type": "string"}
		}
	}`,
	"submission.status_changed": `{
		"type": "object",
		"required": ["newStatus"],
		"properties": {"newStatus": {"type": "string"}, "oldStatus": {"type": "string"}}
	}`,
	"job.created": `{
		"type": "object",
		"required": ["title"],
		"properties": {"title": {"type": "string"}, "clientName": {"type": "string"}}
	}`,
	"candidate.created": `{
		"type": "object",
		"required": ["firstName", "lastName"],
		"properties": {"firstName": {"type": "string"}, "lastName": {"type": "string"}}
	}`,
	"interview.scheduled": `{
		"type": "object",
		"required": ["scheduledAt"],
		"properties": {"scheduledAt": {"type": "string"}}
	}`,
	"timesheet.submitted": `{
		"type": "object",
		"required": ["weekEnding"],
		"properties": {"weekEnding": {"type": "string"}, "hours": {"type": "number", "minimum": 0}}
	}`,
}

// Validator checks eventData against the JSON schema registered for its type.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the built-in payload schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(builtinSchemas))}
	for eventType, schema := range builtinSchemas {
		url := fmt.Sprintf("https://schemas.event-pipeline.local/%s.json", eventType)
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", eventType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", eventType, err)
		}
		v.schemas[eventType] = compiled
	}
	return v, nil
}

// Validate returns nil for types without a schema.
func (v *Validator) Validate(eventType string, data map[string]any) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[eventType]
	if !ok {
		return nil
	}
	// normalize Go values (ints, structs) into the JSON model the validator expects
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	return schema.Validate(doc)
}
