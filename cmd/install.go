package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"mpvd/internal/daemon"
)

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install mpvd as a systemd user service",
	Long: `Install mpvd as a systemd user service that runs automatically on login.

This command will:
  - Generate a systemd unit file for the mpvd daemon
  - Install it to ~/.config/systemd/user/
  - Reload the systemd user manager
  - Enable and start the service

The daemon will run in the background and serve the playback API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get the path to the current executable
		binaryPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}

		// Resolve symlinks to get the actual binary path
		binaryPath, err = filepath.EvalSymlinks(binaryPath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}

		// Get the log path
		logPath, err := daemon.GetDefaultLogPath()
		if err != nil {
			return fmt.Errorf("failed to get log path: %w", err)
		}

		// Create log directory if it doesn't exist
		if err := os.MkdirAll(logPath, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		// Get home directory for working directory
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		// Generate unit file
		config := daemon.UnitConfig{
			BinaryPath:       binaryPath,
			LogPath:          logPath,
			WorkingDirectory: home,
		}

		unitContent, err := daemon.GenerateUnit(config)
		if err != nil {
			return fmt.Errorf("failed to generate unit file: %w", err)
		}

		// Get unit path
		unitPath, err := daemon.GetUnitPath()
		if err != nil {
			return fmt.Errorf("failed to get unit path: %w", err)
		}

		// Create systemd user directory if it doesn't exist
		unitDir := filepath.Dir(unitPath)
		if err := os.MkdirAll(unitDir, 0755); err != nil {
			return fmt.Errorf("failed to create systemd user directory: %w", err)
		}

		// Check if unit already exists
		if _, err := os.Stat(unitPath); err == nil {
			fmt.Println("Service is already installed. Stopping it first...")
			if err := stopService(); err != nil {
				fmt.Printf("Warning: failed to stop existing service: %v\n", err)
			}
		}

		// Write unit file
		if err := os.WriteFile(unitPath, []byte(unitContent), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}

		fmt.Printf("✓ Installed unit file to %s\n", unitPath)

		// Reload, enable, and start the service
		if err := startService(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}

		fmt.Println("✓ Service enabled and started successfully")
		fmt.Printf("✓ Logs will be written to %s\n", logPath)
		fmt.Println("\nThe mpvd daemon is now running and will start automatically on login.")
		fmt.Println("\nYou can check the service status with:")
		fmt.Println("  systemctl --user status mpvd")
		fmt.Println("\nTo uninstall, run:")
		fmt.Println("  mpvd uninstall")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}

// startService reloads the systemd user manager and enables the service
func startService() error {
	reload := exec.Command("systemctl", "--user", "daemon-reload")
	if output, err := reload.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %s: %w", string(output), err)
	}

	enable := exec.Command("systemctl", "--user", "enable", "--now", "mpvd.service")
	if output, err := enable.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl enable failed: %s: %w", string(output), err)
	}

	return nil
}

// stopService disables and stops the service
func stopService() error {
	disable := exec.Command("systemctl", "--user", "disable", "--now", "mpvd.service")
	if output, err := disable.CombinedOutput(); err != nil {
		// Disable may fail if the service was never enabled, which is OK
		if len(output) > 0 {
			fmt.Printf("Warning: %s\n", string(output))
		}
	}

	return nil
}
