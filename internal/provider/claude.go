package provider

import "encoding/json"

// Claude drives the claude CLI in print mode.
type Claude struct{}

func (Claude) Name() string { return "claude" }

func (Claude) LaunchArgs(req LaunchRequest) (Invocation, error) {
	args := make([]string, 0, len(req.ExtraArgs)+10)
	args = append(args, "--print")
	if req.Mode == ModeTask {
		args = append(args, "--output-format", "stream-json", "--verbose")
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.Profile != "" {
		args = append(args, "--append-system-prompt", req.Profile)
	}
	args = append(args, req.ExtraArgs...)
	return Invocation{Command: "claude", Args: args, Stdin: req.Prompt}, nil
}

type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	NumTurns  int64  `json:"num_turns,omitempty"`
	Message   *struct {
		Model   string `json:"model,omitempty"`
		Content []struct {
			Type string `json:"type"`
		} `json:"content,omitempty"`
	} `json:"message,omitempty"`
	Usage *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage,omitempty"`
}

// ExtractSessionID accepts either the single result object of
// --output-format json or the stream-json event stream.
func (Claude) ExtractSessionID(raw []byte) string {
	var ids idSet
	eachObject(raw, func(obj []byte) {
		var ev claudeEvent
		if json.Unmarshal(obj, &ev) != nil {
			return
		}
		switch ev.Type {
		case "system", "result", "assistant", "user":
			ids.add(ev.SessionID)
		}
	})
	return ids.value()
}

func (Claude) ExtractMetrics(raw []byte) Metrics {
	var m Metrics
	eachObject(raw, func(obj []byte) {
		var ev claudeEvent
		if json.Unmarshal(obj, &ev) != nil {
			return
		}
		switch ev.Type {
		case "system":
			if ev.Model != "" {
				m.Model = ev.Model
			}
		case "assistant":
			m.Messages++
			if ev.Message == nil {
				return
			}
			if ev.Message.Model != "" {
				m.Model = ev.Message.Model
			}
			for _, c := range ev.Message.Content {
				if c.Type == "tool_use" {
					m.ToolCalls++
				}
			}
		case "result":
			if ev.Usage != nil {
				m.InputTokens += ev.Usage.InputTokens + ev.Usage.CacheReadInputTokens + ev.Usage.CacheCreationInputTokens
				m.OutputTokens += ev.Usage.OutputTokens
			}
			m.Messages = maxInt64(m.Messages, ev.NumTurns)
		}
	})
	return m
}
