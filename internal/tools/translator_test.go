package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const sampleTools = `[
  {"type":"function","function":{
    "name":"search_database",
    "description":"Search users by name",
    "parameters":{"type":"object","properties":{"username":{"type":"string"}},"required":["username"]}
  }}
]`

func TestParseDeclarations(t *testing.T) {
	t.Run("extracts function declarations", func(t *testing.T) {
		decls := ParseDeclarations(gjson.Parse(sampleTools))
		require.Len(t, decls, 1)
		assert.Equal(t, "search_database", decls[0].Name)
		assert.Equal(t, "Search users by name", decls[0].Description)
		assert.True(t, gjson.ParseBytes(decls[0].Parameters).Get("required.0").String() == "username")
	})

	t.Run("skips non-function and nameless entries", func(t *testing.T) {
		decls := ParseDeclarations(gjson.Parse(`[{"type":"retrieval"},{"type":"function","function":{"description":"no name"}}]`))
		assert.Empty(t, decls)
	})

	t.Run("nil on non-array input", func(t *testing.T) {
		assert.Nil(t, ParseDeclarations(gjson.Parse(`{"tools":true}`)))
	})
}

func TestBuildPrompt(t *testing.T) {
	decls := ParseDeclarations(gjson.Parse(sampleTools))
	prompt := BuildPrompt(decls)
	assert.Contains(t, prompt, "search_database")
	assert.Contains(t, prompt, "```tool_call")
	assert.Contains(t, prompt, `"arguments"`)
	assert.True(t, len(prompt) > 0 && prompt[len(prompt)-len("User request: "):] == "User request: ")
}

func TestParseCalls(t *testing.T) {
	t.Run("fenced tool_call block", func(t *testing.T) {
		reply := "```tool_call\n{\"name\": \"search_database\", \"arguments\": {\"username\": \"zhangsan\"}}\n```"
		calls, remaining := ParseCalls(reply)
		require.Len(t, calls, 1)
		assert.Equal(t, "search_database", calls[0].Name)
		assert.JSONEq(t, `{"username":"zhangsan"}`, calls[0].Arguments)
		assert.True(t, len(calls[0].ID) > len("call_"))
		assert.Empty(t, remaining)
	})

	t.Run("json fence fallback", func(t *testing.T) {
		reply := "I will look that up.\n```json\n{\"name\": \"search_database\", \"arguments\": {\"username\": \"zhangsan\"}}\n```"
		calls, remaining := ParseCalls(reply)
		require.Len(t, calls, 1)
		assert.Equal(t, "search_database", calls[0].Name)
		assert.Equal(t, "I will look that up.", remaining)
	})

	t.Run("bare object fallback", func(t *testing.T) {
		reply := `{"name": "search_database", "arguments": {"username": "zhangsan"}}`
		calls, remaining := ParseCalls(reply)
		require.Len(t, calls, 1)
		assert.Equal(t, "search_database", calls[0].Name)
		assert.Empty(t, remaining)
	})

	t.Run("missing arguments default to an empty object", func(t *testing.T) {
		reply := "```tool_call\n{\"name\": \"ping\"}\n```"
		calls, _ := ParseCalls(reply)
		require.Len(t, calls, 1)
		assert.Equal(t, "{}", calls[0].Arguments)
	})

	t.Run("double-encoded arguments are unwrapped", func(t *testing.T) {
		reply := "```tool_call\n{\"name\": \"ping\", \"arguments\": \"{\\\"host\\\": \\\"a\\\"}\"}\n```"
		calls, _ := ParseCalls(reply)
		require.Len(t, calls, 1)
		assert.JSONEq(t, `{"host":"a"}`, calls[0].Arguments)
	})

	t.Run("unparseable arguments stay in the text", func(t *testing.T) {
		reply := "```tool_call\n{\"name\": \"search_database\", \"arguments\": not json at all}\n```"
		calls, remaining := ParseCalls(reply)
		assert.Empty(t, calls)
		assert.Contains(t, remaining, "not json at all")
	})

	t.Run("plain text has no calls", func(t *testing.T) {
		calls, remaining := ParseCalls("Just a normal answer about zhangsan.")
		assert.Empty(t, calls)
		assert.Equal(t, "Just a normal answer about zhangsan.", remaining)
	})
}

func TestWrapToolResult(t *testing.T) {
	out := WrapToolResult("search_database", `{"rows":1}`)
	assert.Equal(t, "[Tool Result for search_database]:\n{\"rows\":1}", out)
	assert.Contains(t, WrapToolResult("", "x"), "[Tool Result for function]:")
}
