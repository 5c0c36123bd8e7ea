package schema

import (
	"errors"
	"testing"

	"fieldsync/pkg/domain"
)

const validPayload = `{
	"id": "7b1c2f6e-9f1a-4c4e-8d35-0a2b9f6f7d10",
	"project_id": "survey",
	"version": "deltafile_01",
	"deltas": [
		{
			"id": "0f9b7a6d-3c2e-4b1a-9e8f-7c6d5b4a3f21",
			"client_id": "1a2b3c4d-5e6f-4a5b-8c7d-9e0f1a2b3c4d",
			"method": "create",
			"local_layer_id": "trees",
			"local_pk": "1",
			"new": {"geometry": "POINT (1 2)", "attributes": {"species": "oak"}}
		}
	]
}`

func TestValidateAccepts(t *testing.T) {
	if err := Validate([]byte(validPayload)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{broken`,
		"missing version": `{"id": "7b1c2f6e-9f1a-4c4e-8d35-0a2b9f6f7d10", "project_id": "p", "deltas": []}`,
		"wrong version":   `{"id": "7b1c2f6e-9f1a-4c4e-8d35-0a2b9f6f7d10", "project_id": "p", "version": "deltafile_02", "deltas": []}`,
		"bad method": `{
			"id": "7b1c2f6e-9f1a-4c4e-8d35-0a2b9f6f7d10",
			"project_id": "p",
			"version": "deltafile_01",
			"deltas": [{"id": "0f9b7a6d-3c2e-4b1a-9e8f-7c6d5b4a3f21", "client_id": "1a2b3c4d-5e6f-4a5b-8c7d-9e0f1a2b3c4d", "method": "upsert", "local_layer_id": "trees"}]
		}`,
		"deltas not array": `{"id": "7b1c2f6e-9f1a-4c4e-8d35-0a2b9f6f7d10", "project_id": "p", "version": "deltafile_01", "deltas": {}}`,
	}
	for name, payload := range cases {
		var vErr domain.ValidationError
		if err := Validate([]byte(payload)); !errors.As(err, &vErr) {
			t.Errorf("%s: err = %v, want ValidationError", name, err)
		}
	}
}
