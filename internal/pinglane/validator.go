package pinglane

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchema is the wire contract for POST /v1/events. Unknown top-level
// keys are rejected; field values are restricted to JSON scalars.
const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"required": ["category"],
	"properties": {
		"category": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"fields": {
			"type": "object",
			"additionalProperties": {"type": ["string", "number", "boolean"]}
		}
	}
}`

// EventInput is a structurally valid ingestion payload. Fields keep the
// order in which keys appeared in the request body.
type EventInput struct {
	Category    string
	Fields      []EventField
	Description string
}

// EventValidator checks ingestion payloads against the event schema.
// Validation has no side effects.
type EventValidator struct {
	schema *jsonschema.Schema
}

func NewEventValidator() (*EventValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, err
	}
	return &EventValidator{schema: schema}, nil
}

// Validate parses and validates a raw request body. An unparseable body
// fails with ErrMalformedBody; a parseable body that violates the schema
// fails with a SchemaError carrying the validator's reason.
func (v *EventValidator) Validate(body []byte) (EventInput, error) {
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return EventInput{}, fmt.Errorf("%w: invalid json request body", ErrMalformedBody)
	}
	if err := v.schema.Validate(decoded); err != nil {
		return EventInput{}, &SchemaError{Reason: err.Error()}
	}

	payload, ok := decoded.(map[string]any)
	if !ok {
		return EventInput{}, &SchemaError{Reason: "payload must be a json object"}
	}
	input := EventInput{}
	if category, ok := payload["category"].(string); ok {
		input.Category = category
	}
	if description, ok := payload["description"].(string); ok {
		input.Description = description
	}
	fields, err := orderedFields(body)
	if err != nil {
		// The schema pass already accepted the body, so this indicates a
		// decoder bug rather than caller error.
		return EventInput{}, err
	}
	input.Fields = fields
	return input, nil
}

// orderedFields re-walks the body token by token to recover the order of
// keys inside "fields", which map-based decoding discards.
func orderedFields(body []byte) ([]EventField, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil { // opening brace
		return nil, err
	}
	for dec.More() {
		keyToken, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyToken.(string)
		if key != "fields" {
			var skipped json.RawMessage
			if err := dec.Decode(&skipped); err != nil {
				return nil, err
			}
			continue
		}
		return decodeFieldObject(dec)
	}
	return nil, nil
}

func decodeFieldObject(dec *json.Decoder) ([]EventField, error) {
	if _, err := dec.Token(); err != nil { // opening brace of "fields"
		return nil, err
	}
	var fields []EventField
	for dec.More() {
		nameToken, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := nameToken.(string)
		valueToken, err := dec.Token()
		if err != nil {
			return nil, err
		}
		var value FieldValue
		switch typed := valueToken.(type) {
		case string:
			value = StringValue(typed)
		case bool:
			value = BoolValue(typed)
		case json.Number:
			value = NumberValue(typed)
		default:
			return nil, fmt.Errorf("unsupported field value for %q", name)
		}
		fields = append(fields, EventField{Key: name, Value: value})
	}
	if _, err := dec.Token(); err != nil { // closing brace of "fields"
		return nil, err
	}
	return fields, nil
}
