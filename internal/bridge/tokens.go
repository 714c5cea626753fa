package bridge

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/KafClaw/agentbus/internal/store"
)

// TokenKind tags the delimiter forms recognised in message content.
type TokenKind int

const (
	Mention TokenKind = iota + 1
	Control
	ChannelLink
	PathRef
)

func (k TokenKind) String() string {
	switch k {
	case Mention:
		return "mention"
	case Control:
		return "control"
	case ChannelLink:
		return "channel"
	case PathRef:
		return "path"
	}
	return "unknown"
}

func (k TokenKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Control verbs.
const (
	VerbPause   = "pause"
	VerbResume  = "resume"
	VerbCompact = "compact"
	VerbRotate  = "rotate"
)

// Token is one recognised delimiter.
type Token struct {
	Kind TokenKind `json:"kind"`
	// Value is the identity, channel name, path, or control verb.
	Value string `json:"value"`
	// Arg is the control argument: an optional identity for pause and
	// resume, the summary for compact and rotate.
	Arg  string `json:"arg,omitempty"`
	Line int    `json:"line"`
}

// Tokenize extracts delimiter tokens from content in order of appearance.
//
// A control verb is only recognised at the start of a line and consumes the
// rest of it. @, # and / only count at the start of a word, so e-mail
// addresses and URLs are plain text. Code spans and fenced blocks are never
// tokenised. Repeated mentions of one identity collapse into the first.
func Tokenize(content string) []Token {
	var (
		out   []Token
		seen  = map[string]bool{}
		fence string
	)
	for n, line := range strings.Split(content, "\n") {
		line = strings.TrimSuffix(line, "\r")
		trimmed := strings.TrimSpace(line)
		if fence != "" {
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			continue
		}
		if f := fenceMarker(trimmed); f != "" {
			fence = f
			continue
		}
		if tok, ok := parseControl(trimmed); ok {
			tok.Line = n + 1
			out = append(out, tok)
			continue
		}
		for _, tok := range scanLine(maskCodeSpans(line)) {
			if tok.Kind == Mention {
				if seen[tok.Value] {
					continue
				}
				seen[tok.Value] = true
			}
			tok.Line = n + 1
			out = append(out, tok)
		}
	}
	return out
}

func fenceMarker(s string) string {
	for _, f := range []string{"```", "~~~"} {
		if strings.HasPrefix(s, f) {
			return f
		}
	}
	return ""
}

func parseControl(s string) (Token, bool) {
	if !strings.HasPrefix(s, "!") {
		return Token{}, false
	}
	verb, rest := s[1:], ""
	if i := strings.IndexFunc(verb, unicode.IsSpace); i >= 0 {
		verb, rest = verb[:i], strings.TrimSpace(verb[i:])
	}
	switch verb = strings.ToLower(verb); verb {
	case VerbPause, VerbResume:
		arg := ""
		if f := strings.Fields(rest); len(f) > 0 {
			arg = store.NormalizeName(f[0])
		}
		return Token{Kind: Control, Value: verb, Arg: arg}, true
	case VerbCompact, VerbRotate:
		return Token{Kind: Control, Value: verb, Arg: unquote(rest)}, true
	}
	return Token{}, false
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// maskCodeSpans blanks out backtick code spans, keeping byte offsets.
func maskCodeSpans(line string) string {
	b := []byte(line)
	for i := 0; i < len(b); {
		if b[i] != '`' {
			i++
			continue
		}
		j := i
		for j < len(b) && b[j] == '`' {
			j++
		}
		closeAt := -1
		for k := j; k < len(b); {
			if b[k] != '`' {
				k++
				continue
			}
			m := k
			for m < len(b) && b[m] == '`' {
				m++
			}
			if m-k == j-i {
				closeAt = m
				break
			}
			k = m
		}
		if closeAt < 0 {
			i = j
			continue
		}
		for x := i; x < closeAt; x++ {
			b[x] = ' '
		}
		i = closeAt
	}
	return string(b)
}

func scanLine(line string) []Token {
	var out []Token
	for i := 0; i < len(line); i++ {
		c := line[i]
		if (c != '@' && c != '#' && c != '/') || !wordStart(line, i) {
			continue
		}
		switch c {
		case '@', '#':
			name, n := scanName(line[i+1:])
			if name == "" {
				continue
			}
			if c == '@' {
				out = append(out, Token{Kind: Mention, Value: store.NormalizeName(name)})
			} else {
				out = append(out, Token{Kind: ChannelLink, Value: strings.ToLower(name)})
			}
			i += n
		case '/':
			p, n := scanPath(line[i:])
			if p == "" {
				continue
			}
			out = append(out, Token{Kind: PathRef, Value: p})
			i += n - 1
		}
	}
	return out
}

func wordStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsSpace(r) || strings.ContainsRune(`([{<,;"'`, r)
}

func scanName(s string) (string, int) {
	n := 0
	for n < len(s) && isNameByte(s[n]) {
		n++
	}
	name := strings.TrimRight(s[:n], ".-")
	if name == "" || !isAlnum(name[0]) {
		return "", 0
	}
	return name, n
}

func scanPath(s string) (string, int) {
	n := 1
	for n < len(s) && s[n] != ' ' && s[n] != '\t' && !strings.ContainsRune(")]}>,;\"'`", rune(s[n])) {
		n++
	}
	p := strings.TrimRight(s[:n], ".:!?")
	if len(p) < 2 || p[1] == '/' {
		return "", 0
	}
	return p, n
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isNameByte(c byte) bool {
	return isAlnum(c) || c == '_' || c == '-' || c == '.'
}
