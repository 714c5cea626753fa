package provider

import "errors"

// Generic runs an arbitrary command with the prompt on stdin. It has no
// structured output, so it never yields a session id and cannot be resumed.
type Generic struct {
	Command string
}

func (g Generic) Name() string { return "generic" }

func (g Generic) LaunchArgs(req LaunchRequest) (Invocation, error) {
	if g.Command == "" {
		return Invocation{}, errors.New("generic provider requires a configured command")
	}
	prompt := req.Prompt
	if req.Profile != "" {
		prompt = req.Profile + "\n\n" + prompt
	}
	args := append([]string(nil), req.ExtraArgs...)
	return Invocation{Command: g.Command, Args: args, Stdin: prompt}, nil
}

func (Generic) ExtractSessionID([]byte) string { return "" }

func (Generic) ExtractMetrics([]byte) Metrics { return Metrics{} }
