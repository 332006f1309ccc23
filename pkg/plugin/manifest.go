// Package plugin manages optional capability bundles: manifest discovery,
// factory binding, the lifecycle state machine, the in-process event bus and
// hot load/unload of the plugins directory.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the required manifest inside every plugin bundle
// directory.
const ManifestFileName = "plugin.yaml"

// Manifest describes one plugin bundle. EntryPoint names a factory registered
// in the process; plugins are statically linked, the manifest selects which
// factory builds the instance.
type Manifest struct {
	ID                   string   `yaml:"id"`
	Version              string   `yaml:"version"`
	DisplayName          string   `yaml:"display_name"`
	EntryPoint           string   `yaml:"entry_point"`
	MinAgentVersion      string   `yaml:"min_agent_version"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
	Dependencies         []string `yaml:"dependencies"`
}

// LoadManifest reads and validates the manifest of a bundle directory.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the required manifest fields.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if m.EntryPoint == "" {
		return fmt.Errorf("entry_point is required")
	}
	for _, dep := range m.Dependencies {
		if dep == m.ID {
			return fmt.Errorf("plugin %s depends on itself", m.ID)
		}
	}
	return nil
}

// CompareVersions orders two dotted numeric versions: -1, 0 or 1. Non-numeric
// segments compare as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
