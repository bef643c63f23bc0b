package dispatch

import "encoding/json"

// TranslateUpdate re-shapes one raw session/update body from the agent into
// the client-facing update object. Every translated update carries a "kind"
// discriminator; unrecognized kinds are forwarded with their fields intact
// so new agent features degrade gracefully.
func TranslateUpdate(raw json.RawMessage) map[string]any {
	var in map[string]any
	if err := json.Unmarshal(raw, &in); err != nil || in == nil {
		return map[string]any{"kind": "unknown"}
	}

	kind, _ := in["sessionUpdate"].(string)
	switch kind {
	case "agent_message_chunk":
		return map[string]any{
			"kind":    "agent_message_chunk",
			"content": in["content"],
		}

	case "agent_thought_chunk", "thought_chunk":
		return map[string]any{
			"kind":    "thought_chunk",
			"content": map[string]any{"thought": contentText(in["content"])},
		}

	case "tool_call":
		status := "pending"
		if s, ok := in["status"].(string); ok && s != "" {
			status = s
		}
		return map[string]any{
			"kind": "tool_call",
			"toolCall": map[string]any{
				"toolCallId": in["toolCallId"],
				"toolName":   toolName(in),
				"arguments":  in["arguments"],
				"status":     status,
			},
		}

	case "tool_call_update":
		toolCall := map[string]any{
			"toolCallId": in["toolCallId"],
			"status":     in["status"],
		}
		if status, _ := in["status"].(string); status == "error" {
			toolCall["error"] = in["error"]
		} else if content, ok := in["content"]; ok {
			toolCall["output"] = content
		}
		return map[string]any{
			"kind":     "tool_call_update",
			"toolCall": toolCall,
		}

	case "plan":
		return map[string]any{
			"kind": "plan",
			"plan": map[string]any{"steps": planSteps(in)},
		}

	case "available_commands", "current_mode_update", "config_options":
		return passthrough(kind, in)

	case "":
		return map[string]any{"kind": "unknown"}

	default:
		return passthrough(kind, in)
	}
}

// passthrough forwards an update under its wire name with its fields intact.
func passthrough(kind string, in map[string]any) map[string]any {
	out := map[string]any{"kind": kind}
	for k, v := range in {
		if k != "sessionUpdate" {
			out[k] = v
		}
	}
	return out
}

// contentText extracts the text of a single content block.
func contentText(v any) string {
	block, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	text, _ := block["text"].(string)
	return text
}

// toolName picks the tool name of a tool_call. Agents name the field
// toolName or title depending on version.
func toolName(in map[string]any) any {
	if name, ok := in["toolName"]; ok {
		return name
	}
	return in["title"]
}

// planSteps normalizes plan entries to a steps list.
func planSteps(in map[string]any) any {
	if entries, ok := in["entries"]; ok {
		return entries
	}
	if steps, ok := in["steps"]; ok {
		return steps
	}
	return []any{}
}
