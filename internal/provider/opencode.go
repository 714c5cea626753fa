package provider

import "encoding/json"

// Opencode drives `opencode run`. The prompt is a positional argument.
type Opencode struct{}

func (Opencode) Name() string { return "opencode" }

func (Opencode) LaunchArgs(req LaunchRequest) (Invocation, error) {
	args := make([]string, 0, len(req.ExtraArgs)+8)
	args = append(args, "run")
	if req.Mode == ModeTask {
		args = append(args, "--format", "json")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--session", req.ResumeSessionID)
	}
	args = append(args, req.ExtraArgs...)
	prompt := req.Prompt
	if req.Profile != "" {
		prompt = req.Profile + "\n\n" + prompt
	}
	args = append(args, prompt)
	return Invocation{Command: "opencode", Args: args}, nil
}

type opencodeEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID,omitempty"`
	Part      *struct {
		Tokens *struct {
			Input  int64 `json:"input"`
			Output int64 `json:"output"`
		} `json:"tokens,omitempty"`
	} `json:"part,omitempty"`
}

func (Opencode) ExtractSessionID(raw []byte) string {
	var ids idSet
	eachObject(raw, func(obj []byte) {
		var ev opencodeEvent
		if json.Unmarshal(obj, &ev) != nil {
			return
		}
		ids.add(ev.SessionID)
	})
	return ids.value()
}

func (Opencode) ExtractMetrics(raw []byte) Metrics {
	var m Metrics
	eachObject(raw, func(obj []byte) {
		var ev opencodeEvent
		if json.Unmarshal(obj, &ev) != nil {
			return
		}
		switch ev.Type {
		case "text":
			m.Messages++
		case "tool_use":
			m.ToolCalls++
		case "step_finish":
			if ev.Part != nil && ev.Part.Tokens != nil {
				m.InputTokens += ev.Part.Tokens.Input
				m.OutputTokens += ev.Part.Tokens.Output
			}
		}
	})
	return m
}
