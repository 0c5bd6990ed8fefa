package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Address the HTTP API listens on
	ListenAddr string

	// Directory holding the media files
	MediaDir string

	// Player binary to spawn
	PlayerBinary string

	// Default volume applied at spawn (0-150)
	DefaultVolume int

	// DRM connector for video output (auto, HDMI-A-1, HDMI-A-2)
	OutputRoute string

	// Hardware-accelerated decoding
	HardwareAccel bool

	// Upload size ceiling in bytes (0 disables the limit)
	MaxUploadBytes int64

	// Property poll interval for the session controller (in seconds)
	PollInterval int

	// Path to the playback history database (empty disables history)
	HistoryDB string

	// Log verbosity (debug, info, warn, error)
	LogLevel string
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("media_dir", filepath.Join(home, "videos"))
	v.SetDefault("player_binary", "mpv")
	v.SetDefault("default_volume", 100)
	v.SetDefault("output_route", "auto")
	v.SetDefault("hardware_accel", true)
	v.SetDefault("max_upload_bytes", int64(2)<<30)
	v.SetDefault("poll_interval", 1)
	v.SetDefault("history_db", filepath.Join(home, ".local", "share", "mpvd", "history.db"))
	v.SetDefault("log_level", "info")

	// Config file is optional - don't fail if missing
	_ = v.ReadInConfig()

	v.SetEnvPrefix("MPVD")
	v.AutomaticEnv()

	cfg := &Config{
		ListenAddr:     v.GetString("listen_addr"),
		MediaDir:       v.GetString("media_dir"),
		PlayerBinary:   v.GetString("player_binary"),
		DefaultVolume:  v.GetInt("default_volume"),
		OutputRoute:    v.GetString("output_route"),
		HardwareAccel:  v.GetBool("hardware_accel"),
		MaxUploadBytes: v.GetInt64("max_upload_bytes"),
		PollInterval:   v.GetInt("poll_interval"),
		HistoryDB:      v.GetString("history_db"),
		LogLevel:       v.GetString("log_level"),
	}

	return cfg, nil
}

// getConfigDir returns the configuration directory path
// Creates the directory if it doesn't exist
func getConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	configDir := filepath.Join(homeDir, ".config", "mpvd")
	_ = os.MkdirAll(configDir, 0755)

	return configDir
}

// GetConfigDir returns the configuration directory path (public helper)
func GetConfigDir() string {
	return getConfigDir()
}

// Save writes configuration to file
func (c *Config) Save() error {
	v := viper.New()

	configDir := getConfigDir()
	configFile := filepath.Join(configDir, "config.yaml")

	v.Set("listen_addr", c.ListenAddr)
	v.Set("media_dir", c.MediaDir)
	v.Set("player_binary", c.PlayerBinary)
	v.Set("default_volume", c.DefaultVolume)
	v.Set("output_route", c.OutputRoute)
	v.Set("hardware_accel", c.HardwareAccel)
	v.Set("max_upload_bytes", c.MaxUploadBytes)
	v.Set("poll_interval", c.PollInterval)
	v.Set("history_db", c.HistoryDB)
	v.Set("log_level", c.LogLevel)

	return v.WriteConfigAs(configFile)
}
