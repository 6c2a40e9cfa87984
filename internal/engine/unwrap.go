package engine

import (
	"encoding/json"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// UnwrapResult removes known single-field wrappers from a handler result
// before it is persisted or stored as a variable. The rule is pure and applied
// identically everywhere a result is written or read back:
//
//   - an object with exactly the keys {value, observation} yields value;
//   - an object with exactly one key "result", when the node declares a scalar
//     output type, yields the result; if the inner value is not itself a
//     scalar the declaration and the shape disagree, and that mismatch is an
//     explicit SCHEMA_VALIDATION_FAILED rather than a silent guess;
//   - anything else passes through untouched.
func UnwrapResult(result any, declared *schema.OutputSchema) (any, error) {
	m, ok := result.(map[string]any)
	if !ok {
		return result, nil
	}

	if len(m) == 2 {
		value, hasValue := m["value"]
		_, hasObservation := m["observation"]
		if hasValue && hasObservation {
			return value, nil
		}
	}

	if len(m) == 1 && declared.Scalar() {
		if inner, ok := m["result"]; ok {
			if !isScalar(inner) {
				return nil, schema.NewErrorf(schema.ErrCodeSchemaValidation,
					"declared output type %q is scalar but wrapped result is %T", declared.Type, inner).
					WithDetails(map[string]any{"declared_type": declared.Type})
			}
			return inner, nil
		}
	}

	return m, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}
