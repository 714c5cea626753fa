package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFileCandidates exports KEY=value pairs from $AGENTBUS_ENV_FILE and
// then <home>/env and <home>/.env. Variables already set in the process win.
func LoadEnvFileCandidates() {
	var paths []string
	if p := strings.TrimSpace(os.Getenv("AGENTBUS_ENV_FILE")); p != "" {
		paths = append(paths, p)
	}
	if home, err := resolveHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "env"), filepath.Join(home, ".env"))
	}

	loaded := make(map[string]bool, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if loaded[p] {
			continue
		}
		loaded[p] = true

		f, err := os.Open(p)
		if err != nil {
			continue
		}
		vars, _ := parseEnv(f)
		f.Close()
		for _, kv := range vars {
			if _, set := os.LookupEnv(kv[0]); !set {
				os.Setenv(kv[0], kv[1])
			}
		}
	}
}

// parseEnv reads dotenv-style lines. Blank lines, comments and lines
// without a key are ignored; an "export " prefix is allowed.
func parseEnv(r io.Reader) ([][2]string, error) {
	var out [][2]string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out = append(out, [2]string{key, unquote(strings.TrimSpace(val))})
	}
	return out, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
