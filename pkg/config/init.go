package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# pvaserver Configuration File
#
# Every value can be overridden with a PVASERVER_* environment variable,
# e.g. PVASERVER_LOGGING_LEVEL=DEBUG or PVASERVER_SERVER_TCP_PORT=5075.
# The usual EPICS variables are honored as well:
#   EPICS_PVAS_SERVER_PORT, EPICS_PVAS_BROADCAST_PORT, EPICS_PVAS_INTF_ADDR_LIST,
#   EPICS_PVAS_IGNORE_ADDR_LIST, EPICS_PVAS_BEACON_ADDR_LIST,
#   EPICS_PVAS_AUTO_BEACON_ADDR_LIST, EPICS_PVA_CONN_TMO, EPICS_PVAS_TLS_PORT
#
# Address lists accept commas or whitespace between entries.

`

// InitConfig writes a default configuration file to the default location.
//
// Parameters:
//   - force: overwrite an existing file
//
// Returns the path of the written file.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a default configuration file to path, creating
// its directory if needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := renderDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func renderDefaultConfig() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(GetDefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
