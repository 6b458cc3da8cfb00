package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads a standalone descriptor file. The format is picked from the
// extension: .yaml/.yml or .toml. The result is validated.
func Load(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading schema: %w", err)
	}

	var d Descriptor
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &d); err != nil {
			return Descriptor{}, fmt.Errorf("parsing schema: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &d); err != nil {
			return Descriptor{}, fmt.Errorf("parsing schema: %w", err)
		}
	default:
		return Descriptor{}, fmt.Errorf("unsupported schema format %q", ext)
	}

	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
