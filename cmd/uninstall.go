package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"mpvd/internal/daemon"
)

// uninstallCmd represents the uninstall command
var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the mpvd systemd user service",
	Long: `Uninstall the mpvd systemd user service and stop it from running automatically.

This command will:
  - Stop the running service (if any)
  - Disable the service
  - Remove the unit file from ~/.config/systemd/user/

After uninstalling, the daemon will no longer run automatically on login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get unit path
		unitPath, err := daemon.GetUnitPath()
		if err != nil {
			return fmt.Errorf("failed to get unit path: %w", err)
		}

		// Check if unit exists
		if _, err := os.Stat(unitPath); os.IsNotExist(err) {
			fmt.Println("Service is not installed (unit file not found)")
			return nil
		}

		// Stop and disable the service
		fmt.Println("Stopping service...")
		if err := stopService(); err != nil {
			fmt.Printf("Warning: failed to stop service: %v\n", err)
			fmt.Println("Continuing with unit file removal...")
		} else {
			fmt.Println("✓ Service stopped")
		}

		// Remove unit file
		if err := os.Remove(unitPath); err != nil {
			return fmt.Errorf("failed to remove unit file: %w", err)
		}

		reload := exec.Command("systemctl", "--user", "daemon-reload")
		if output, err := reload.CombinedOutput(); err != nil {
			fmt.Printf("Warning: systemctl daemon-reload failed: %s\n", string(output))
		}

		fmt.Printf("✓ Removed unit file from %s\n", unitPath)
		fmt.Println("\nThe mpvd service has been uninstalled successfully.")
		fmt.Println("It will no longer run automatically on login.")
		fmt.Println("\nTo reinstall, run:")
		fmt.Println("  mpvd install")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}
