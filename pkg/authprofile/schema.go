package authprofile

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// profileEntrySchema validates a single entry of the "profiles" map before
// it is decoded. Entries that fail are dropped from the loaded store.
const profileEntrySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "provider"],
  "properties": {
    "type": {"enum": ["api_key", "token", "oauth"]},
    "provider": {"type": "string", "minLength": 1},
    "email": {"type": "string"},
    "expires": {"type": "number"}
  },
  "oneOf": [
    {
      "properties": {"type": {"const": "api_key"}, "key": {"type": "string", "minLength": 1}},
      "required": ["key"]
    },
    {
      "properties": {"type": {"const": "token"}, "token": {"type": "string", "minLength": 1}},
      "required": ["token"]
    },
    {
      "properties": {
        "type": {"const": "oauth"},
        "access": {"type": "string"},
        "refresh": {"type": "string"}
      },
      "anyOf": [{"required": ["access"]}, {"required": ["refresh"]}]
    }
  ]
}`

var entrySchema = mustCompileSchema(profileEntrySchema)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("authprofile: invalid entry schema: %v", err))
	}
	return schema
}

// validateEntry checks one raw profile entry against the entry schema.
func validateEntry(data []byte) error {
	result, err := entrySchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
}
