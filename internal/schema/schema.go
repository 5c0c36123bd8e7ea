// Package schema validates raw deltafile submissions against the embedded
// deltafile_01 JSON Schema before any JSON decoding into domain types.
package schema

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"fieldsync/pkg/domain"
)

//go:embed deltafile_01.json
var deltaFileSchema []byte

var compile = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(deltaFileSchema))
	if err != nil {
		return nil, fmt.Errorf("parse embedded deltafile schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const url = "https://fieldsync.dev/schemas/deltafile_01.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("register deltafile schema: %w", err)
	}
	return c.Compile(url)
})

// Validate checks raw bytes against the deltafile_01 schema. Schema violations
// come back as domain.ValidationError; a broken embedded schema is a
// programming error and is returned as-is.
func Validate(raw []byte) error {
	sch, err := compile()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return domain.ValidationError{Reason: "malformed deltafile json: " + err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		return domain.ValidationError{Reason: "deltafile schema violation: " + err.Error()}
	}
	return nil
}
