package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resultSchema is the boundary contract for extraction objects produced outside this package
// (remote AI service, LLM structurers). Only structure is enforced; values are normalized by the Cleaner.
const resultSchema = `{
  "type": "object",
  "required": ["patientInfo", "billInfo"],
  "properties": {
    "patientInfo": {
      "type": "object",
      "properties": {
        "fullName": {"type": ["string", "null"]},
        "dateOfBirth": {"type": ["string", "null"]},
        "accountNumber": {"type": ["string", "null"]},
        "insuranceInfo": {"type": ["string", "null"]}
      }
    },
    "billInfo": {
      "type": "object",
      "properties": {
        "totalAmount": {"type": ["string", "number", "null"]},
        "serviceDates": {"type": ["string", "null"]},
        "dueDate": {"type": ["string", "null"]},
        "facilityName": {"type": ["string", "null"]},
        "provider": {"type": ["string", "null"]}
      }
    },
    "services": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "description": {"type": ["string", "null"]},
          "code": {"type": ["string", "null"]},
          "amount": {"type": ["string", "number", "null"]},
          "details": {"type": ["string", "null"]}
        }
      }
    },
    "insuranceInfo": {"type": ["object", "null"]},
    "diagnosticCodes": {"type": ["array", "null"]}
  }
}`

var compiledResultSchema = mustCompileSchema("extraction-result.json", resultSchema)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(schema))); err != nil {
		panic(fmt.Sprintf("adding schema %s: %v", name, err))
	}
	s, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compiling schema %s: %v", name, err))
	}
	return s
}

// DecodeResult validates raw against the extraction schema, decodes it and applies defaults.
func DecodeResult(raw []byte) (*ExtractionResult, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling extraction: %w", err)
	}
	if err := compiledResultSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("extraction does not match schema: %w", err)
	}
	// provenance is owned by this service, never taken from a collaborator
	if m, ok := doc.(map[string]any); ok {
		delete(m, "analysisMetadata")
		delete(m, "contextualInsights")
	}

	normalized, err := json.Marshal(stringifyNumbers(doc))
	if err != nil {
		return nil, fmt.Errorf("re-encoding extraction: %w", err)
	}
	var result ExtractionResult
	if err := json.Unmarshal(normalized, &result); err != nil {
		return nil, fmt.Errorf("decoding extraction: %w", err)
	}
	result.ApplyDefaults()
	return &result, nil
}

var moneyKeys = map[string]bool{
	"totalAmount":           true,
	"amount":                true,
	"amountCovered":         true,
	"patientResponsibility": true,
	"adjustments":           true,
}

// stringifyNumbers turns numeric money fields into strings and drops nulls so the typed decode
// does not fail on loosely formatted model output.
func stringifyNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			if f, ok := val.(float64); ok && moneyKeys[k] {
				t[k] = fmt.Sprintf("%.2f", f)
				continue
			}
			t[k] = stringifyNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = stringifyNumbers(val)
		}
		return t
	default:
		return v
	}
}
