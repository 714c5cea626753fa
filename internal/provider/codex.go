package provider

import "encoding/json"

// Codex drives `codex exec` in JSONL mode.
type Codex struct{}

func (Codex) Name() string { return "codex" }

func (Codex) LaunchArgs(req LaunchRequest) (Invocation, error) {
	args := make([]string, 0, len(req.ExtraArgs)+10)
	args = append(args, "exec")
	if req.Mode == ModeTask && !hasFlag(req.ExtraArgs, "--json") {
		args = append(args, "--json")
	}
	if !hasFlag(req.ExtraArgs, "--skip-git-repo-check") {
		args = append(args, "--skip-git-repo-check")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.ExtraArgs...)
	if req.ResumeSessionID != "" {
		args = append(args, "resume", req.ResumeSessionID)
	}
	prompt := req.Prompt
	if req.Profile != "" {
		prompt = req.Profile + "\n\n" + prompt
	}
	// "-" reads the prompt from stdin.
	args = append(args, "-")
	return Invocation{Command: "codex", Args: args, Stdin: prompt}, nil
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Usage    *struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Item *struct {
		Type string `json:"type,omitempty"`
	} `json:"item,omitempty"`
}

func (Codex) ExtractSessionID(raw []byte) string {
	var ids idSet
	eachObject(raw, func(obj []byte) {
		var ev codexEvent
		if json.Unmarshal(obj, &ev) != nil {
			return
		}
		if ev.Type == "thread.started" {
			ids.add(ev.ThreadID)
		}
	})
	return ids.value()
}

func (Codex) ExtractMetrics(raw []byte) Metrics {
	var m Metrics
	eachObject(raw, func(obj []byte) {
		var ev codexEvent
		if json.Unmarshal(obj, &ev) != nil {
			return
		}
		switch ev.Type {
		case "turn.completed":
			if ev.Usage != nil {
				m.InputTokens += ev.Usage.InputTokens
				m.OutputTokens += ev.Usage.OutputTokens
			}
		case "item.completed":
			if ev.Item == nil {
				return
			}
			switch ev.Item.Type {
			case "agent_message":
				m.Messages++
			case "command_execution", "mcp_tool_call", "file_change", "web_search":
				m.ToolCalls++
			}
		}
	})
	return m
}
