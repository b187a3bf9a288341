package router

import (
	"encoding/json"
	"strings"
)

const (
	openTag  = "[tool_call]"
	closeTag = "[/tool_call]"
)

// ToolCall is one decision parsed from model output.
type ToolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ParseToolCalls extracts every well-formed [tool_call]{...}[/tool_call]
// block from response. Blocks with invalid JSON or no tool are skipped; nil
// means the response is a direct answer.
func ParseToolCalls(response string) []ToolCall {
	var calls []ToolCall
	rest := response
	for {
		start := strings.Index(rest, openTag)
		if start < 0 {
			break
		}
		rest = rest[start+len(openTag):]
		end := strings.Index(rest, closeTag)
		if end < 0 {
			break
		}
		body := strings.TrimSpace(rest[:end])
		rest = rest[end+len(closeTag):]

		var call ToolCall
		if err := json.Unmarshal([]byte(body), &call); err != nil {
			continue
		}
		call.Tool = strings.TrimSpace(call.Tool)
		if call.Tool == "" {
			continue
		}
		if call.Args == nil {
			call.Args = map[string]any{}
		}
		calls = append(calls, call)
	}
	return calls
}

func stringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
