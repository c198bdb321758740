package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// LoadProfile reads a YAML profile file. Fields absent from the file keep
// their defaults.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeConfig, err, "load profile %q", path)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeConfig, err, "parse profile %q", path)
	}
	return &profile, nil
}
