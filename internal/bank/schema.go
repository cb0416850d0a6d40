package bank

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const snapshotSchemaURL = "schema://snapshot.v1.json"

//go:embed schema/snapshot.v1.json
var snapshotSchemaJSON []byte

var (
	snapshotSchemaOnce sync.Once
	snapshotSchema     *jsonschema.Schema
	snapshotSchemaErr  error
)

func compiledSnapshotSchema() (*jsonschema.Schema, error) {
	snapshotSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(snapshotSchemaJSON, &doc); err != nil {
			snapshotSchemaErr = fmt.Errorf("parse snapshot schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(snapshotSchemaURL, doc); err != nil {
			snapshotSchemaErr = fmt.Errorf("add snapshot schema: %w", err)
			return
		}
		snapshotSchema, snapshotSchemaErr = c.Compile(snapshotSchemaURL)
	})
	return snapshotSchema, snapshotSchemaErr
}

// ValidateSnapshotJSON checks a client supplied snapshot against the
// snapshot schema.
func ValidateSnapshotJSON(raw json.RawMessage) error {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("state: invalid JSON: %w", err)
	}
	return validateAgainstSnapshotSchema(parsed)
}

func validatePartialValues(u PartialUpdate) error {
	doc := make(map[string]any, len(u))
	for name, raw := range u {
		if isNull(raw) {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("%s: invalid JSON: %w", name, err)
		}
		doc[name] = value
	}
	return validateAgainstSnapshotSchema(doc)
}

func validateAgainstSnapshotSchema(doc any) error {
	schema, err := compiledSnapshotSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	return nil
}
