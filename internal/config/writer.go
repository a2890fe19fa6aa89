package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const fileHeader = `# kiln configuration
# Every key can be overridden with a KILN_<SECTION>_<KEY> environment variable.
`

// Marshal renders cfg as the YAML document read back by Load.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteFile writes cfg to filename. It refuses to overwrite an existing file
// unless force is set.
func WriteFile(filename string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(filename); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", filename)
		}
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
