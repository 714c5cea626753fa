package provider

import "encoding/json"

// Gemini drives the gemini CLI.
type Gemini struct{}

func (Gemini) Name() string { return "gemini" }

func (Gemini) LaunchArgs(req LaunchRequest) (Invocation, error) {
	args := make([]string, 0, len(req.ExtraArgs)+8)
	if req.Mode == ModeTask {
		args = append(args, "--output-format", "stream-json")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	args = append(args, req.ExtraArgs...)
	prompt := req.Prompt
	if req.Profile != "" {
		prompt = req.Profile + "\n\n" + prompt
	}
	return Invocation{Command: "gemini", Args: args, Stdin: prompt}, nil
}

type geminiEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Role      string `json:"role,omitempty"`
	Stats     *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		ToolCalls    int64 `json:"tool_calls"`
	} `json:"stats,omitempty"`
}

// ExtractSessionID reads the init event of a stream, or the top-level
// session_id of a single JSON response.
func (Gemini) ExtractSessionID(raw []byte) string {
	var ids idSet
	eachObject(raw, func(obj []byte) {
		var ev geminiEvent
		if json.Unmarshal(obj, &ev) != nil {
			return
		}
		if ev.Type == "init" || ev.Type == "" || ev.Type == "result" {
			ids.add(ev.SessionID)
		}
	})
	return ids.value()
}

func (Gemini) ExtractMetrics(raw []byte) Metrics {
	var m Metrics
	eachObject(raw, func(obj []byte) {
		var ev geminiEvent
		if json.Unmarshal(obj, &ev) != nil {
			return
		}
		switch ev.Type {
		case "init":
			m.Model = ev.Model
		case "message":
			if ev.Role == "assistant" {
				m.Messages++
			}
		case "tool_use":
			m.ToolCalls++
		case "result", "":
			if ev.Stats != nil {
				m.InputTokens = maxInt64(m.InputTokens, ev.Stats.InputTokens)
				m.OutputTokens = maxInt64(m.OutputTokens, ev.Stats.OutputTokens)
				m.ToolCalls = maxInt64(m.ToolCalls, ev.Stats.ToolCalls)
			}
		}
	})
	return m
}
