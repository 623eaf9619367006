package protocol

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultMaxSpeed caps the speed a move may request, in world units per second.
const DefaultMaxSpeed = 12

// MaxChatLength is the longest chat message accepted, in characters.
const MaxChatLength = 500

// MoveSchema returns the JSON schema of a move payload for the given speed cap.
func MoveSchema(maxSpeed float64) string {
	return fmt.Sprintf(`{
  "type": "object",
  "required": ["vector"],
  "properties": {
    "vector": {
      "type": "object",
      "required": ["x", "y"],
      "properties": {
        "x": {"type": "number", "minimum": -1, "maximum": 1},
        "y": {"type": "number", "minimum": -1, "maximum": 1}
      }
    },
    "speed": {"type": "number", "minimum": 0, "maximum": %g},
    "sequence": {"type": "integer", "minimum": 0}
  }
}`, maxSpeed)
}

// ChatSendSchema constrains chat:send payloads. Length bounds apply to the
// trimmed message and are checked by ChatSendPayload.Validate.
const ChatSendSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {"type": "string"}
  }
}`

// PingSchema allows an absent payload or an optional timestamp.
const PingSchema = `{
  "type": ["object", "null"],
  "properties": {
    "timestamp": {"type": "number"}
  }
}`

// CompileSchema compiles a schema document registered under name.
func CompileSchema(name, schema string) (*jsonschema.Schema, error) {
	s, err := jsonschema.CompileString(name+".schema.json", schema)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return s, nil
}

// FieldError is the client-visible description of a schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Keyword string `json:"keyword,omitempty"`
	Message string `json:"message"`
}

// DescribeValidation reduces a jsonschema validation error to its first leaf
// cause, the one most useful to a client.
func DescribeValidation(err error) FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return FieldError{Message: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	field = strings.ReplaceAll(field, "/", ".")
	kw := leaf.KeywordLocation
	if i := strings.LastIndexByte(kw, '/'); i >= 0 {
		kw = kw[i+1:]
	}
	return FieldError{Field: field, Keyword: kw, Message: leaf.Message}
}
