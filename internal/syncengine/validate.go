package syncengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// PayloadValidator checks mutation payloads against per-entity-type JSON
// schemas before they enter the queue. Types without a registered schema
// pass through unvalidated; rejecting unknown types is the caller's call.
type PayloadValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{schemas: map[string]*jsonschema.Schema{}}
}

// RegisterSchema compiles and installs the schema for an entity type,
// replacing any previous one.
func (v *PayloadValidator) RegisterSchema(entityType string, schemaJSON []byte) error {
	if entityType == "" {
		return ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", entityType, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := "mem://schemas/" + entityType + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", entityType, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", entityType, err)
	}
	v.mu.Lock()
	v.schemas[entityType] = schema
	v.mu.Unlock()
	return nil
}

// Validate checks a payload against the entity type's schema, if one is
// registered. Failures wrap ErrInvalidPayload so callers can reject the
// mutation before it is queued.
func (v *PayloadValidator) Validate(entityType string, payload json.RawMessage) error {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	schema := v.schemas[entityType]
	v.mu.RUnlock()
	if schema == nil {
		return nil
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidPayload, entityType)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
