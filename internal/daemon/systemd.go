package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const unitTemplate = `[Unit]
Description=mpvd headless playback controller
After=network.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} serve
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogPath}}/mpvd.log
StandardError=append:{{.LogPath}}/mpvd.err
WorkingDirectory={{.WorkingDirectory}}

[Install]
WantedBy=default.target
`

// UnitConfig holds the configuration for generating a systemd user unit
type UnitConfig struct {
	BinaryPath       string
	LogPath          string
	WorkingDirectory string
}

// GenerateUnit generates a systemd user unit file from the template
func GenerateUnit(config UnitConfig) (string, error) {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config); err != nil {
		return "", fmt.Errorf("failed to execute unit template: %w", err)
	}

	return buf.String(), nil
}

// GetUnitPath returns the path where the unit should be installed
func GetUnitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, ".config", "systemd", "user", "mpvd.service"), nil
}

// GetDefaultLogPath returns the default path for daemon logs
func GetDefaultLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "mpvd", "logs"), nil
}
