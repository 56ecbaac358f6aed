package syncengine

import (
	"encoding/json"
	"errors"
	"testing"
)

const accountSchema = `{
	"type": "object",
	"required": ["name", "balance"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"balance": {"type": "number"}
	}
}`

func TestValidateAcceptsConformingPayload(t *testing.T) {
	v := NewPayloadValidator()
	if err := v.RegisterSchema("account", []byte(accountSchema)); err != nil {
		t.Fatalf("register schema failed: %v", err)
	}
	if err := v.Validate("account", json.RawMessage(`{"name":"checking","balance":12.5}`)); err != nil {
		t.Fatalf("conforming payload rejected: %v", err)
	}
}

func TestValidateRejectsNonConformingPayload(t *testing.T) {
	v := NewPayloadValidator()
	if err := v.RegisterSchema("account", []byte(accountSchema)); err != nil {
		t.Fatalf("register schema failed: %v", err)
	}
	for _, payload := range []string{
		`{"name":"checking"}`,
		`{"name":"","balance":1}`,
		`{"balance":"not a number","name":"x"}`,
		`not json`,
		``,
	} {
		if err := v.Validate("account", json.RawMessage(payload)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("payload %q: expected ErrInvalidPayload, got %v", payload, err)
		}
	}
}

func TestValidatePassesUnregisteredTypes(t *testing.T) {
	v := NewPayloadValidator()
	if err := v.Validate("note", json.RawMessage(`anything`)); err != nil {
		t.Fatalf("unregistered type must pass through, got %v", err)
	}
}

func TestRegisterSchemaRejectsBadSchema(t *testing.T) {
	v := NewPayloadValidator()
	if err := v.RegisterSchema("account", []byte(`{`)); err == nil {
		t.Fatalf("expected error for malformed schema")
	}
	if err := v.RegisterSchema("", []byte(accountSchema)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty type, got %v", err)
	}
}
