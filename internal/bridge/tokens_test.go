package bridge

import (
	"slices"
	"testing"
)

func render(tokens []Token) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		s := t.Kind.String() + ":" + t.Value
		if t.Arg != "" {
			s += ":" + t.Arg
		}
		out = append(out, s)
	}
	return out
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"mentions collapse", "hey @Zealot and @oracle, also @zealot", []string{"mention:zealot", "mention:oracle"}},
		{"email and url are text", "mail bob@example.com or see https://x.io/a/b", []string{}},
		{"pause with identity", "!pause zealot", []string{"control:pause:zealot"}},
		{"control consumes line", "!pause @Zealot", []string{"control:pause:zealot"}},
		{"resume without identity", "!resume", []string{"control:resume"}},
		{"quoted summary", `  !compact "progress: step 3 of 5"`, []string{"control:compact:progress: step 3 of 5"}},
		{"rotate summary", "!rotate phase 1 complete", []string{"control:rotate:phase 1 complete"}},
		{"control only at line start", "text !pause zealot", []string{}},
		{"unknown verb is text", "!deploy now @zealot", []string{"mention:zealot"}},
		{"inert forms", "see #General and /src/main.go.", []string{"channel:general", "path:/src/main.go"}},
		{"code span", "run `@zealot /bin/sh` later", []string{}},
		{"fenced block", "```\n@zealot\n!rotate x\n```\n@oracle", []string{"mention:oracle"}},
		{"heading and comment", "# Heading\nand/or // comment", []string{}},
		{"multi line", "@zealot look\n!compact done for now", []string{"mention:zealot", "control:compact:done for now"}},
		{"punctuation", "(@zealot) thanks @oracle's help.", []string{"mention:zealot", "mention:oracle"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := render(Tokenize(tt.content))
			if !slices.Equal(got, tt.want) {
				t.Fatalf("Tokenize(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestTokenLines(t *testing.T) {
	toks := Tokenize("first\n@zealot\n\n!pause")
	if len(toks) != 2 || toks[0].Line != 2 || toks[1].Line != 4 {
		t.Fatalf("unexpected token lines: %+v", toks)
	}
}
