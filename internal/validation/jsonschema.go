package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// ResultValidator validates action-driver and completion-service results
// against a node's declared output schema. Compiled schemas are cached; safe
// for concurrent use.
type ResultValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
	seq   int
}

// NewResultValidator creates an empty ResultValidator.
func NewResultValidator() *ResultValidator {
	return &ResultValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks result against declared. A declaration with neither a full
// Schema document nor a primitive Type accepts everything. Violations fail
// with ErrCodeSchemaValidation.
func (v *ResultValidator) Validate(declared *schema.OutputSchema, result any) error {
	if declared == nil {
		return nil
	}

	doc := declared.Schema
	if doc == nil {
		if declared.Type == "" {
			return nil
		}
		doc = map[string]any{"type": declared.Type}
	}

	compiled, err := v.getOrCompile(doc)
	if err != nil {
		return err
	}

	// Round-trip through JSON so typed Go values (structs, ints) validate the
	// same way their persisted form would.
	normalized, err := normalize(result)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSchemaValidation,
			"result is not JSON-representable: %s", err.Error()).WithCause(err)
	}

	if err := compiled.Validate(normalized); err != nil {
		return schema.NewErrorf(schema.ErrCodeSchemaValidation,
			"result does not match declared output schema: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"declared": doc})
	}
	return nil
}

func (v *ResultValidator) getOrCompile(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchemaValidation,
			"encode declared schema: %s", err.Error()).WithCause(err)
	}
	key := string(raw)

	v.mu.RLock()
	if compiled, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return compiled, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if compiled, ok := v.cache[key]; ok {
		return compiled, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchemaValidation,
			"declared schema is not valid JSON: %s", err.Error()).WithCause(err)
	}

	v.seq++
	id := fmt.Sprintf("inline://output-schema/%d.json", v.seq)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchemaValidation,
			"register declared schema: %s", err.Error()).WithCause(err)
	}
	compiled, err := compiler.Compile(id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchemaValidation,
			"declared schema does not compile: %s", err.Error()).WithCause(err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// normalize round-trips a value through JSON into the generic shape the
// validator expects.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
