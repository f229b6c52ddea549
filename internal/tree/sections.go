package tree

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskmirror/taskmirror/internal/models"
)

// Section describes one top-level partition of the forest and the rules
// its root enforces on drops.
type Section struct {
	ID string `yaml:"id"`

	// Accepts lists the node types this section's root accepts. Empty
	// means any type that is root-droppable at all.
	Accepts []models.NodeType `yaml:"accepts,omitempty"`

	// Immutable sections reject all root-level drops.
	Immutable bool `yaml:"immutable,omitempty"`
}

func (s Section) acceptsAtRoot(t models.NodeType) bool {
	if len(s.Accepts) == 0 {
		return true
	}

	for _, a := range s.Accepts {
		if a == t {
			return true
		}
	}

	return false
}

type sectionsFile struct {
	Sections []Section `yaml:"sections"`
}

// LoadSections reads section rules from a YAML file. Duplicate ids are
// rejected since later entries would silently shadow earlier ones.
func LoadSections(path string) (map[string]Section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sections file: %w", err)
	}

	var f sectionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing sections file: %w", err)
	}

	out := make(map[string]Section, len(f.Sections))

	for _, s := range f.Sections {
		if s.ID == "" {
			return nil, fmt.Errorf("sections file: entry missing id")
		}

		if _, dup := out[s.ID]; dup {
			return nil, fmt.Errorf("sections file: duplicate section %q", s.ID)
		}

		out[s.ID] = s
	}

	return out, nil
}

// DefaultSections returns the built-in partition layout used when no
// sections file is configured: immutable standard lists, a projects-only
// section, and a free-form section for lists and groups.
func DefaultSections() map[string]Section {
	return map[string]Section{
		"standard": {ID: "standard", Immutable: true},
		"projects": {ID: "projects", Accepts: []models.NodeType{models.NodeProject}},
		"free":     {ID: "free", Accepts: []models.NodeType{models.NodeList, models.NodeGroup}},
	}
}
