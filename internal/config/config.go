package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Download DownloadConfig `json:"download" mapstructure:"download"`
	Network  NetworkConfig  `json:"network" mapstructure:"network"`
	Cache    CacheConfig    `json:"cache" mapstructure:"cache"`
	Lyrics   LyricsConfig   `json:"lyrics" mapstructure:"lyrics"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// DownloadConfig contains download-related settings
type DownloadConfig struct {
	OutputDir           string `json:"output_dir" mapstructure:"output_dir"`
	Quality             string `json:"quality" mapstructure:"quality"`
	ConcurrentDownloads int    `json:"concurrent_downloads" mapstructure:"concurrent_downloads"`
	FilenameTemplate    string `json:"filename_template" mapstructure:"filename_template"`
	EmbedMetadata       bool   `json:"embed_metadata" mapstructure:"embed_metadata"`
	EmbedArtwork        bool   `json:"embed_artwork" mapstructure:"embed_artwork"`
	ArtworkSize         int    `json:"artwork_size" mapstructure:"artwork_size"`
	MaxQualityCover     bool   `json:"max_quality_cover" mapstructure:"max_quality_cover"`
}

// NetworkConfig contains network-related settings
type NetworkConfig struct {
	APITimeout      int `json:"api_timeout" mapstructure:"api_timeout"`           // seconds
	DownloadTimeout int `json:"download_timeout" mapstructure:"download_timeout"` // seconds
	SonglinkTimeout int `json:"songlink_timeout" mapstructure:"songlink_timeout"` // seconds
	MaxRetries      int `json:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs     int `json:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs      int `json:"max_delay_ms" mapstructure:"max_delay_ms"`
}

// CacheConfig contains track-ID cache settings
type CacheConfig struct {
	TTLMinutes             int `json:"ttl_minutes" mapstructure:"ttl_minutes"`
	CleanupIntervalMinutes int `json:"cleanup_interval_minutes" mapstructure:"cleanup_interval_minutes"`
	MaxEntries             int `json:"max_entries" mapstructure:"max_entries"`
}

// LyricsConfig contains lyrics-related settings
type LyricsConfig struct {
	Enabled          bool `json:"enabled" mapstructure:"enabled"`
	EmbedInFile      bool `json:"embed_in_file" mapstructure:"embed_in_file"`
	SaveSeparateFile bool `json:"save_separate_file" mapstructure:"save_separate_file"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Load loads configuration from file or creates default
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := ensureConfigDir(configPath); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		} else if os.IsNotExist(err) {
			if err := v.WriteConfigAs(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("FLACBRIDGE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Download.ConcurrentDownloads < 1 {
		return fmt.Errorf("concurrent downloads must be at least 1")
	}

	if c.Download.ConcurrentDownloads > 16 {
		return fmt.Errorf("concurrent downloads cannot exceed 16")
	}

	validQualities := map[string]bool{"LOSSLESS": true, "HI_RES": true, "HI_RES_LOSSLESS": true}
	if !validQualities[c.Download.Quality] {
		return fmt.Errorf("invalid quality: %s (must be LOSSLESS, HI_RES, or HI_RES_LOSSLESS)", c.Download.Quality)
	}

	if c.Download.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}

	if c.Download.ArtworkSize < 100 || c.Download.ArtworkSize > 5000 {
		return fmt.Errorf("artwork size must be between 100 and 5000 pixels")
	}

	if c.Network.APITimeout < 1 || c.Network.DownloadTimeout < 1 || c.Network.SonglinkTimeout < 1 {
		return fmt.Errorf("network timeouts must be at least 1 second")
	}

	if c.Network.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if c.Network.BaseDelayMs < 1 {
		return fmt.Errorf("base retry delay must be at least 1 ms")
	}

	if c.Network.MaxDelayMs < c.Network.BaseDelayMs {
		return fmt.Errorf("max retry delay cannot be below the base delay")
	}

	if c.Cache.TTLMinutes < 1 {
		return fmt.Errorf("cache TTL must be at least 1 minute")
	}

	if c.Cache.CleanupIntervalMinutes < 1 {
		return fmt.Errorf("cache cleanup interval must be at least 1 minute")
	}

	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache max entries must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"file": true, "console": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (must be file, console, or both)", c.Logging.Output)
	}

	if c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log max size must be at least 1 MB")
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("log max backups cannot be negative")
	}

	if c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("log max age cannot be negative")
	}

	return nil
}

// Save saves the configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("download", c.Download)
	v.Set("network", c.Network)
	v.Set("cache", c.Cache)
	v.Set("lyrics", c.Lyrics)
	v.Set("logging", c.Logging)

	return v.WriteConfig()
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("download.output_dir", getDefaultDownloadDir())
	v.SetDefault("download.quality", "LOSSLESS")
	v.SetDefault("download.concurrent_downloads", 3)
	v.SetDefault("download.filename_template", "{artist} - {title}")
	v.SetDefault("download.embed_metadata", true)
	v.SetDefault("download.embed_artwork", true)
	v.SetDefault("download.artwork_size", 1200)
	v.SetDefault("download.max_quality_cover", false)

	v.SetDefault("network.api_timeout", 60)
	v.SetDefault("network.download_timeout", 120)
	v.SetDefault("network.songlink_timeout", 30)
	v.SetDefault("network.max_retries", 3)
	v.SetDefault("network.base_delay_ms", 1000)
	v.SetDefault("network.max_delay_ms", 10000)

	v.SetDefault("cache.ttl_minutes", 30)
	v.SetDefault("cache.cleanup_interval_minutes", 5)
	v.SetDefault("cache.max_entries", 1024)

	v.SetDefault("lyrics.enabled", true)
	v.SetDefault("lyrics.embed_in_file", true)
	v.SetDefault("lyrics.save_separate_file", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "file")
	v.SetDefault("logging.file_path", filepath.Join(GetDataDir(), "logs", "flacbridge.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	return filepath.Join(GetDataDir(), "settings.json")
}

// getDefaultDownloadDir returns the default download directory
func getDefaultDownloadDir() string {
	return filepath.Join(GetDataDir(), "downloads")
}

// ensureConfigDir ensures the configuration directory exists
func ensureConfigDir(configPath string) error {
	dir := filepath.Dir(configPath)
	return os.MkdirAll(dir, 0755)
}

// GetDataDir returns the application data directory
func GetDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "flacbridge")
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "."
	}
	return filepath.Join(home, ".flacbridge")
}
