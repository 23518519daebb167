// internal/webhook/schemas.go
// JSON Schemas for the provider event payloads the receiver understands.
// Validation happens after signature verification and before dispatch, so the
// reconciliation engine only ever sees well-formed events.
package webhook

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "data"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "data": {"type": "object"}
  }
}`

const assetCreatedSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "asset_id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "asset_id": {"type": "string", "minLength": 1}
  }
}`

const assetReadySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "playback_ids"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "playback_ids": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "policy"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "policy": {"type": "string", "enum": ["public", "signed"]}
        }
      }
    }
  }
}`

const assetErroredSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "errors": {
      "type": "object",
      "properties": {
        "messages": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

// compiledSchemas maps normalized event types to their compiled data schema.
var compiledSchemas map[string]*gojsonschema.Schema

var compiledEnvelope *gojsonschema.Schema

func init() {
	compiledEnvelope = mustCompile(envelopeSchema)
	compiledSchemas = map[string]*gojsonschema.Schema{
		"upload.asset_created": mustCompile(assetCreatedSchema),
		"asset.ready":          mustCompile(assetReadySchema),
		"asset.errored":        mustCompile(assetErroredSchema),
	}
}

func mustCompile(raw string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded webhook schema: %v", err))
	}
	return s
}

// validateAgainst runs a document through a compiled schema and flattens the
// result into a single error string.
func validateAgainst(schema *gojsonschema.Schema, doc []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msg := "invalid payload"
	for _, desc := range result.Errors() {
		msg = msg + "; " + desc.String()
	}
	return fmt.Errorf("%s", msg)
}
