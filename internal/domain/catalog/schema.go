package catalog

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema constrains the signature material every catalog document
// may carry. Rule-level validation happens in the typed loaders; this only
// rejects malformed envelopes before any key material is consulted.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "signature": {
      "type": "string",
      "pattern": "^[0-9a-fA-F]{64}$"
    },
    "signature_v2": {
      "type": "object",
      "required": ["kid", "sig"],
      "properties": {
        "kid": {"type": "string", "minLength": 1},
        "sig": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
      },
      "additionalProperties": false
    }
  },
  "not": {"required": ["signature", "signature_v2"]}
}`

var envelopeValidator = jsonschema.MustCompileString("envelope.json", envelopeSchema)

func validateEnvelope(doc any) error {
	return envelopeValidator.Validate(doc)
}
