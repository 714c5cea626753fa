// Package identity loads the behavioral profile injected into each spawn and
// scaffolds default profiles from an embedded template.
package identity

import "embed"

//go:embed templates/*.md
var templateFS embed.FS

// DefaultTemplate is the template used for agents without a profile file.
const DefaultTemplate = "profile.md"

// Template returns the embedded content of a template file.
func Template(name string) ([]byte, error) {
	return templateFS.ReadFile("templates/" + name)
}
