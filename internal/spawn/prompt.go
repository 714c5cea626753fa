package spawn

import (
	"fmt"
	"strings"

	"github.com/KafClaw/agentbus/internal/store"
)

// taskPrompt is the first instruction of a fresh spawn.
func taskPrompt(agent *store.Agent, ch *store.Channel, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**You are @%s.**\n\n", agent.Name)
	if task = strings.TrimSpace(task); task != "" {
		b.WriteString(task)
		b.WriteString("\n\n")
	}
	b.WriteString(footer(ch))
	return b.String()
}

// compactPrompt starts a successor spawn from the summary its predecessor left.
func compactPrompt(agent *store.Agent, ch *store.Channel, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**You are @%s.** You are continuing work from a previous context that was compacted.\n\n", agent.Name)
	b.WriteString("Summary left by your previous context:\n\n")
	b.WriteString(strings.TrimSpace(summary))
	b.WriteString("\n\n")
	b.WriteString(footer(ch))
	return b.String()
}

// resumePrompt is sent into an existing provider conversation.
func resumePrompt(ch *store.Channel, instruction string) string {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		if ch != nil {
			instruction = fmt.Sprintf("You were mentioned again in #%s. Read new messages and continue.", ch.Name)
		} else {
			instruction = "Continue where you left off."
		}
	}
	return instruction
}

func footer(ch *store.Channel) string {
	if ch == nil {
		return "When you are done, run: agentbus spawn complete $AGENTBUS_SPAWN_ID\n"
	}
	return fmt.Sprintf(`---
Your stdout is not visible. Coordinate through #%[1]s:
1. Read new messages: agentbus msg recv %[1]s
2. Post progress and results: agentbus msg send %[1]s "..."
3. Hand work to another agent: agentbus handoff create %[1]s <agent> "summary"
4. Running out of context: post "!compact <summary>" to continue in a fresh context
5. When you are done, run: agentbus spawn complete $AGENTBUS_SPAWN_ID
`, ch.Name)
}
