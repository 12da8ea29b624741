package parser

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the YAML block a tasks document may open with
type Frontmatter struct {
	Spec string `yaml:"spec"`
}

// ParseFrontmatter extracts YAML frontmatter from markdown content and
// returns it with the remaining body. Content without a frontmatter
// block passes through unchanged.
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(rest[:endIdx], &fm); err != nil {
		return nil, nil, err
	}
	return &fm, bytes.TrimLeft(rest[endIdx+4:], "\n"), nil
}
