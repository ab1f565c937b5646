package pinglane

import (
	"errors"
	"testing"
)

func mustValidator(t *testing.T) *EventValidator {
	t.Helper()
	validator, err := NewEventValidator()
	if err != nil {
		t.Fatalf("compile event schema: %v", err)
	}
	return validator
}

func TestValidateAcceptsMinimalPayload(t *testing.T) {
	validator := mustValidator(t)

	input, err := validator.Validate([]byte(`{"category":"signup"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if input.Category != "signup" {
		t.Fatalf("expected category signup, got %q", input.Category)
	}
	if len(input.Fields) != 0 || input.Description != "" {
		t.Fatalf("expected empty optionals, got %+v", input)
	}
}

func TestValidatePreservesFieldOrder(t *testing.T) {
	validator := mustValidator(t)

	input, err := validator.Validate([]byte(`{"category":"sale","fields":{"amount":49.99,"plan":"pro","trial":false}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantKeys := []string{"amount", "plan", "trial"}
	if len(input.Fields) != len(wantKeys) {
		t.Fatalf("expected %d fields, got %d", len(wantKeys), len(input.Fields))
	}
	for i, key := range wantKeys {
		if input.Fields[i].Key != key {
			t.Fatalf("field %d: expected key %q, got %q", i, key, input.Fields[i].Key)
		}
	}
	if got := input.Fields[0].Value.String(); got != "49.99" {
		t.Fatalf("expected canonical decimal 49.99, got %q", got)
	}
	if got := input.Fields[2].Value.String(); got != "false" {
		t.Fatalf("expected boolean text false, got %q", got)
	}
}

func TestValidateRejectsUnparseableBody(t *testing.T) {
	validator := mustValidator(t)

	_, err := validator.Validate([]byte(`{"category":`))
	if !errors.Is(err, ErrMalformedBody) {
		t.Fatalf("expected ErrMalformedBody, got %v", err)
	}
}

func TestValidateRejectsSchemaViolations(t *testing.T) {
	validator := mustValidator(t)

	cases := map[string]string{
		"missing category":    `{"fields":{"a":1}}`,
		"empty category":      `{"category":""}`,
		"category not string": `{"category":7}`,
		"unknown top key":     `{"category":"sale","extra":true}`,
		"non-scalar field":    `{"category":"sale","fields":{"a":{"nested":true}}}`,
		"array field":         `{"category":"sale","fields":{"a":[1,2]}}`,
		"description number":  `{"category":"sale","description":5}`,
		"top-level array":     `["category"]`,
	}
	for name, body := range cases {
		_, err := validator.Validate([]byte(body))
		if !errors.Is(err, ErrSchemaInvalid) {
			t.Fatalf("%s: expected ErrSchemaInvalid, got %v", name, err)
		}
		var schemaErr *SchemaError
		if !errors.As(err, &schemaErr) || schemaErr.Reason == "" {
			t.Fatalf("%s: expected a reason on the schema error, got %v", name, err)
		}
	}
}

func TestValidateCarriesDescription(t *testing.T) {
	validator := mustValidator(t)

	input, err := validator.Validate([]byte(`{"category":"bug","description":"checkout crashed"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if input.Description != "checkout crashed" {
		t.Fatalf("expected description carried through, got %q", input.Description)
	}
}

func TestValidateHasNoSideEffects(t *testing.T) {
	validator := mustValidator(t)
	body := []byte(`{"category":"sale","fields":{"amount":1}}`)

	first, err := validator.Validate(body)
	if err != nil {
		t.Fatalf("first validate: %v", err)
	}
	second, err := validator.Validate(body)
	if err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if first.Category != second.Category || len(first.Fields) != len(second.Fields) {
		t.Fatalf("expected identical results, got %+v vs %+v", first, second)
	}
}

func TestFieldValueJSONRoundTrip(t *testing.T) {
	fields := []EventField{
		{Key: "amount", Value: NumberValue("49.99")},
		{Key: "plan", Value: StringValue("pro")},
		{Key: "trial", Value: BoolValue(true)},
	}
	data, err := marshalFields(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := unmarshalFields(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != len(fields) {
		t.Fatalf("expected %d fields, got %d", len(fields), len(decoded))
	}
	for i := range fields {
		if decoded[i].Key != fields[i].Key || decoded[i].Value.String() != fields[i].Value.String() {
			t.Fatalf("field %d: expected %+v, got %+v", i, fields[i], decoded[i])
		}
	}
}
