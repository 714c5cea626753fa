package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ScaffoldResult lists profile file names by what happened to them.
type ScaffoldResult struct {
	Created []string
	Skipped []string
	Errors  []string
}

// ScaffoldProfiles renders the default template into <dir>/<agent>.md for
// each agent. Existing profiles are left alone unless force is set.
func ScaffoldProfiles(dir string, agents []string, force bool) (*ScaffoldResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profiles dir: %w", err)
	}
	res := &ScaffoldResult{}
	for _, agent := range agents {
		name := agent + ".md"
		switch err := writeProfile(filepath.Join(dir, name), agent, force); {
		case err == nil:
			res.Created = append(res.Created, name)
		case errors.Is(err, fs.ErrExist):
			res.Skipped = append(res.Skipped, name)
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
		}
	}
	return res, nil
}

func writeProfile(path, agent string, force bool) error {
	text, err := Render(agent)
	if err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
