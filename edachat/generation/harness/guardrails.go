package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// Guardrails enforces the tool allowlist and masks credentials in model output.
type Guardrails struct {
	allowlist     map[string]bool  // allowed tool names
	outputFilters []*regexp.Regexp // regex patterns for filtering output
	jsonValidator *JSONValidator   // for schema validation
}

// NewGuardrails creates guardrails with default redaction patterns.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		allowlist: make(map[string]bool),
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
			regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`),
		},
		jsonValidator: NewJSONValidator(),
	}
}

// PassthroughGuardrails allows every tool and leaves output untouched.
func PassthroughGuardrails() *Guardrails {
	return &Guardrails{jsonValidator: NewJSONValidator()}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name string) {
	if g.allowlist == nil {
		g.allowlist = make(map[string]bool)
	}
	g.allowlist[name] = true
}

// RemoveAllowedTool removes a tool from the allowlist.
func (g *Guardrails) RemoveAllowedTool(name string) {
	delete(g.allowlist, name)
}

// ValidateToolCall checks that a call is allowlisted and carries JSON arguments.
// A nil allowlist allows every tool.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall) error {
	if call.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if g.allowlist != nil && !g.allowlist[call.Name] {
		return fmt.Errorf("tool %s is not in allowlist", call.Name)
	}
	if !json.Valid(call.Args) {
		return fmt.Errorf("tool arguments are not valid JSON")
	}
	return nil
}

// ValidateJSONOutput validates JSON output against a schema if provided.
func (g *Guardrails) ValidateJSONOutput(data json.RawMessage, schema []byte) error {
	return g.jsonValidator.Validate(data, schema)
}

// SanitizeOutput masks sensitive information in output.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// SchemaViolation is one failed constraint of a schema check.
type SchemaViolation struct {
	Field       string
	Description string
}

// SchemaError lists every violation found in a document.
type SchemaError struct {
	Violations []SchemaViolation
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Description
	}
	return "schema validation errors: " + strings.Join(parts, "; ")
}

// JSONValidator handles JSON schema validation. Compiled schemas are reused.
type JSONValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{schemas: make(map[string]*gojsonschema.Schema)}
}

// Compile parses schema ahead of time so Validate does not race on the cache.
func (v *JSONValidator) Compile(schema []byte) error {
	if _, ok := v.schemas[string(schema)]; ok {
		return nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	v.schemas[string(schema)] = compiled
	return nil
}

// Validate checks if JSON data conforms to a schema. Violations come back as *SchemaError.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil // no schema to validate against
	}
	if !json.Valid(data) {
		return &SchemaError{Violations: []SchemaViolation{{Field: "(root)", Description: "data is not valid JSON"}}}
	}

	documentLoader := gojsonschema.NewBytesLoader(data)

	var (
		result *gojsonschema.Result
		err    error
	)
	if compiled, ok := v.schemas[string(schema)]; ok {
		result, err = compiled.Validate(documentLoader)
	} else {
		result, err = gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), documentLoader)
	}
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		schemaErr := &SchemaError{}
		for _, re := range result.Errors() {
			schemaErr.Violations = append(schemaErr.Violations, SchemaViolation{
				Field:       re.Field(),
				Description: re.Description(),
			})
		}
		return schemaErr
	}

	return nil
}
