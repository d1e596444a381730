package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// IMAPConfig holds the connection settings for the remote mailbox.
type IMAPConfig struct {
	// Server is the IMAP host name.
	Server string `mapstructure:"server" yaml:"server"`

	// Port is the implicit-TLS port.
	Port int `mapstructure:"port" yaml:"port"`

	// Username is the account login, which is also the account's own
	// address for message-direction detection.
	Username string `mapstructure:"username" yaml:"username"`

	// Password is the account password. Leave empty to read it from
	// the system keyring instead (credential package).
	Password string `mapstructure:"password" yaml:"password"`
}

// ArchiveConfig controls how composite archives are addressed and
// where they land on the remote side.
type ArchiveConfig struct {
	// Folder is the remote mailbox folder archives are appended to.
	Folder string `mapstructure:"folder" yaml:"folder"`

	// Sender is the From header placed on synthesized archives.
	Sender string `mapstructure:"sender" yaml:"sender"`

	// Recipient, when set, overrides the To header on synthesized
	// archives. Empty means address the archive to its counterpart.
	Recipient string `mapstructure:"recipient" yaml:"recipient"`
}

// SplitConfig controls the oversized-message splitter.
type SplitConfig struct {
	// SevenZipPath is the path to a 7z binary. Empty or missing falls
	// back to the built-in zip splitter.
	SevenZipPath string `mapstructure:"seven_zip_path" yaml:"seven_zip_path"`

	// PartSizeMB is the size of each split part in MiB.
	PartSizeMB int `mapstructure:"part_size_mb" yaml:"part_size_mb"`
}

// OracleConfig holds settings for the descriptive-name tie-break model.
type OracleConfig struct {
	// URL is the base URL of an Ollama-compatible generate endpoint.
	// Empty disables the oracle; ties fall back to the longer name.
	URL string `mapstructure:"url" yaml:"url"`

	Model string `mapstructure:"model" yaml:"model"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	IMAP    IMAPConfig    `mapstructure:"imap" yaml:"imap"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
	Split   SplitConfig   `mapstructure:"split" yaml:"split"`
	Oracle  OracleConfig  `mapstructure:"oracle" yaml:"oracle"`

	// DataDir is the root for raw messages, archives, and the
	// metadata database.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailpress/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailpress", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		IMAP: IMAPConfig{Port: 993},
		Archive: ArchiveConfig{
			Folder: "Concentrated_Emails",
			Sender: "Mailpress <auto@local>",
		},
		Split:   SplitConfig{PartSizeMB: 16},
		Oracle:  OracleConfig{Model: "qwen3"},
		DataDir: "data",
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("imap.port", 993)
	v.SetDefault("archive.folder", "Concentrated_Emails")
	v.SetDefault("archive.sender", "Mailpress <auto@local>")
	v.SetDefault("split.part_size_mb", 16)
	v.SetDefault("oracle.model", "qwen3")
	v.SetDefault("data_dir", "data")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("imap", cfg.IMAP)
	v.Set("archive", cfg.Archive)
	v.Set("split", cfg.Split)
	v.Set("oracle", cfg.Oracle)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// DatabasePath returns the location of the metadata database under the
// configured data directory.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "emails.db")
}

// RawDir returns the directory raw messages are stored under.
func (c *AppConfig) RawDir() string {
	return filepath.Join(c.DataDir, "raw")
}

// ArchiveDir returns the directory composite archives are written to.
func (c *AppConfig) ArchiveDir() string {
	return filepath.Join(c.DataDir, "concentrated")
}
