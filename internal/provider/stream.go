package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
)

// eachObject calls fn for every JSON object in raw. raw is either a single
// (possibly pretty-printed) JSON document or a line-delimited stream; lines
// that are not JSON objects are skipped.
func eachObject(raw []byte, fn func(obj []byte)) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] == '{' && json.Valid(trimmed) {
		fn(trimmed)
		return
	}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		fn(line)
	}
}

// idSet collects session ids and refuses to pick when they disagree.
type idSet struct {
	id       string
	conflict bool
}

func (s *idSet) add(id string) {
	if id == "" {
		return
	}
	if s.id == "" {
		s.id = id
		return
	}
	if s.id != id {
		s.conflict = true
	}
}

func (s *idSet) value() string {
	if s.conflict {
		return ""
	}
	return s.id
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
