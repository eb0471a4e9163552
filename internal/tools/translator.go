// Package tools translates OpenAI-style function calling onto a backend
// that has no native tool support: declarations become a prompt preamble,
// and fenced blocks in the reply are parsed back into structured calls.
package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Declaration is one callable function as the caller declared it.
type Declaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Call is one parsed invocation. Arguments is always a JSON object string;
// arguments the model emitted but this package could not parse stay in the
// reply text instead of being guessed at.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

var (
	reFencedToolCall = regexp.MustCompile("(?s)```tool_call\\s*\\n?(.*?)\\n?```")
	reFencedJSON     = regexp.MustCompile("(?s)```json\\s*\\n?(.*?)\\n?```")
	reFencedBare     = regexp.MustCompile("(?s)```\\s*\\n?(\\{[^`]*\"name\"[^`]*\\})\\n?```")
	reBareObject     = regexp.MustCompile(`\{[^{}]*"name"\s*:\s*"[^"]+"\s*,\s*"arguments"\s*:\s*\{[^{}]*\}\s*\}`)
)

// ParseDeclarations extracts function declarations from a request's tools
// array. Entries that are not functions or lack a name are skipped.
func ParseDeclarations(rawTools gjson.Result) []Declaration {
	if !rawTools.IsArray() {
		return nil
	}
	var out []Declaration
	for _, tool := range rawTools.Array() {
		if t := tool.Get("type"); t.Exists() && t.String() != "function" {
			continue
		}
		fn := tool.Get("function")
		if !fn.Exists() {
			fn = tool
		}
		name := fn.Get("name").String()
		if name == "" {
			continue
		}
		decl := Declaration{Name: name, Description: fn.Get("description").String()}
		if params := fn.Get("parameters"); params.Exists() {
			decl.Parameters = json.RawMessage(params.Raw)
		}
		out = append(out, decl)
	}
	return out
}

// BuildPrompt renders the declarations into the instruction block prepended
// to the user's request.
func BuildPrompt(decls []Declaration) string {
	schema, err := json.MarshalIndent(decls, "", "  ")
	if err != nil {
		schema = []byte("[]")
	}
	var b strings.Builder
	b.WriteString("[System] You have access to these functions. Use them when the user's request requires calling one.\n\n")
	b.WriteString("Available functions:\n")
	b.Write(schema)
	b.WriteString("\n\nWhen you need to call a function, output ONLY this format:\n")
	b.WriteString("```tool_call\n{\"name\": \"function_name\", \"arguments\": {\"param\": \"value\"}}\n```\n")
	b.WriteString("Output nothing else when calling a function. If no function is needed, answer normally.\n\n")
	b.WriteString("User request: ")
	return b.String()
}

// WrapToolResult renders one tool invocation result as a continuation turn.
func WrapToolResult(name, content string) string {
	if name == "" {
		name = "function"
	}
	return fmt.Sprintf("[Tool Result for %s]:\n%s", name, content)
}

// ParseCalls scans reply text for tool invocations. It returns the parsed
// calls and the text with matched blocks removed. A block that names a
// function but carries unparseable arguments is left in the text untouched.
func ParseCalls(content string) ([]Call, string) {
	var calls []Call
	remaining := content
	for _, re := range []*regexp.Regexp{reFencedToolCall, reFencedJSON, reFencedBare} {
		matches := re.FindAllStringSubmatch(remaining, -1)
		for _, m := range matches {
			call, ok := parseCallObject(m[1])
			if !ok {
				continue
			}
			calls = append(calls, call)
			remaining = strings.Replace(remaining, m[0], "", 1)
		}
	}
	if len(calls) == 0 {
		if m := reBareObject.FindString(remaining); m != "" {
			if call, ok := parseCallObject(m); ok {
				calls = append(calls, call)
				remaining = strings.Replace(remaining, m, "", 1)
			}
		}
	}
	return calls, strings.TrimSpace(remaining)
}

func parseCallObject(raw string) (Call, bool) {
	raw = strings.TrimSpace(raw)
	parsed := gjson.Parse(raw)
	name := parsed.Get("name").String()
	if name == "" {
		return Call{}, false
	}
	args := parsed.Get("arguments")
	arguments := "{}"
	switch {
	case args.IsObject():
		arguments = args.Raw
	case args.Type == gjson.String:
		// Some replies double-encode the arguments object.
		if gjson.Valid(args.String()) && gjson.Parse(args.String()).IsObject() {
			arguments = args.String()
		} else {
			return Call{}, false
		}
	case args.Exists():
		return Call{}, false
	}
	if !json.Valid([]byte(arguments)) {
		return Call{}, false
	}
	return Call{ID: NewCallID(), Name: name, Arguments: arguments}, true
}

// NewCallID mints an OpenAI-shaped tool call identifier.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
