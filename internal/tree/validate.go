package tree

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed tree.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("tree.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("tree.schema.json")
	})
	return schema, schemaErr
}

// ValidationResult contains document validation results.
type ValidationResult struct {
	Valid      bool
	Errors     []error
	Warnings   []string
	UsedSchema bool
}

// Validate checks a tree document against the embedded JSON Schema, then
// against structural invariants the schema cannot express (unique ids).
// Schema compilation failures degrade to minimal checks with a warning.
func (n *Node) Validate() *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   make([]error, 0),
		Warnings: make([]string, 0),
	}

	sch, err := compiledSchema()
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("schema unavailable, using minimal checks: %v", err))
		n.validateMinimal(result, "")
	} else {
		result.UsedSchema = true
		data, err := json.Marshal(n)
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, &ValidationError{Err: fmt.Errorf("marshal for validation: %w", err)})
			return result
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, &ValidationError{Err: fmt.Errorf("unmarshal for validation: %w", err)})
			return result
		}
		if err := sch.Validate(doc); err != nil {
			result.Valid = false
			appendSchemaErrors(result, err)
		}
	}

	// Unique ids across the whole tree.
	seen := make(map[string]bool)
	n.Walk(func(node *Node) bool {
		if seen[node.ID] {
			result.Valid = false
			result.Errors = append(result.Errors, &ValidationError{
				Path: "id",
				Err:  fmt.Errorf("duplicate task id %q", node.ID),
			})
		}
		seen[node.ID] = true
		return true
	})

	return result
}

// validateMinimal checks required fields without JSON Schema.
func (n *Node) validateMinimal(result *ValidationResult, path string) {
	if n.ID == "" {
		result.Valid = false
		result.Errors = append(result.Errors, &ValidationError{
			Path: joinPath(path, "id"),
			Err:  fmt.Errorf("missing required field"),
		})
	}
	if !n.Status.Valid() {
		result.Valid = false
		result.Errors = append(result.Errors, &ValidationError{
			Path: joinPath(path, "status"),
			Err:  fmt.Errorf("invalid status %q, must be one of: pending, in_progress, done, cancelled", n.Status),
		})
	}
	for i, child := range n.Children {
		child.validateMinimal(result, joinPath(path, fmt.Sprintf("children[%d]", i)))
	}
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func appendSchemaErrors(result *ValidationResult, err error) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.Errors = append(result.Errors, err)
		return
	}
	collectSchemaErrors(result, ve)
}

func collectSchemaErrors(result *ValidationResult, err *jsonschema.ValidationError) {
	if err == nil {
		return
	}
	if len(err.Causes) == 0 {
		result.Errors = append(result.Errors, &ValidationError{
			Path: jsonPointerToPath(err.InstanceLocation),
			Err:  fmt.Errorf("%s", err.Message),
		})
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(result, cause)
	}
}

func jsonPointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "#")
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}

	parts := strings.Split(ptr, "/")
	path := ""
	for _, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		if part == "" {
			continue
		}
		if idx, err := strconv.Atoi(part); err == nil {
			path += fmt.Sprintf("[%d]", idx)
			continue
		}
		if path == "" {
			path = part
		} else {
			path += "." + part
		}
	}
	return path
}
