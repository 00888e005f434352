package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedBlockPattern = regexp.MustCompile("(?s)```[\\w+-]*[ \\t]*\\n(.*?)```")
	trailingComma      = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKey        = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)\s*:`)
)

// OutputParser extracts code and repairs loosely formatted JSON in model output.
type OutputParser struct{}

// NewOutputParser creates a parser.
func NewOutputParser() *OutputParser {
	return &OutputParser{}
}

// StripFences removes a surrounding ```python or ``` fence from code.
func (p *OutputParser) StripFences(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(code, "```python"); ok {
		code = rest
	} else if rest, ok := strings.CutPrefix(code, "```"); ok {
		code = rest
	}
	code = strings.TrimSuffix(code, "```")
	return strings.TrimSpace(code)
}

// FirstCodeBlock returns the body of the first fenced block in text.
func (p *OutputParser) FirstCodeBlock(text string) (string, bool) {
	match := fencedBlockPattern.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return strings.TrimSpace(match[1]), true
}

// RepairArguments returns args unchanged when valid, otherwise tries to fix
// common formatting slips before giving up.
func (p *OutputParser) RepairArguments(args json.RawMessage) (json.RawMessage, error) {
	if json.Valid(args) {
		return args, nil
	}
	fixed := p.fixJSON(string(args))
	if !json.Valid([]byte(fixed)) {
		return nil, fmt.Errorf("tool arguments are not valid JSON")
	}
	return json.RawMessage(fixed), nil
}

// fixJSON attempts to fix common JSON formatting issues.
func (p *OutputParser) fixJSON(jsonStr string) string {
	// Remove trailing commas before closing braces/brackets
	jsonStr = trailingComma.ReplaceAllString(jsonStr, "$1")

	// Fix unquoted keys (basic heuristic)
	jsonStr = unquotedKey.ReplaceAllString(jsonStr, `$1"$2":`)

	// Fix single quotes to double quotes
	jsonStr = strings.ReplaceAll(jsonStr, "'", "\"")

	return jsonStr
}
