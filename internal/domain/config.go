package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Download     DownloadConfig     `mapstructure:"download"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DownloadConfig contains scheduler and retry configuration
type DownloadConfig struct {
	DefaultDir    string        `mapstructure:"default_dir"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// StorageConfig contains persistence locations
type StorageConfig struct {
	TasksFile   string `mapstructure:"tasks_file"`
	HistoryPath string `mapstructure:"history_path"`
}

// ToolsConfig locates the external binaries the subprocess engines spawn.
// An empty Deno path simply omits the JS-runtime flag.
type ToolsConfig struct {
	FFmpegBinary string `mapstructure:"ffmpeg_binary"`
	YtdlpBinary  string `mapstructure:"ytdlp_binary"`
	DenoBinary   string `mapstructure:"deno_binary"`
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Method  string `mapstructure:"method"` // osascript, notify-send, etc.
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
	LogsDir    string `mapstructure:"logs_dir"`    // directory for categorized logs
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Download: DownloadConfig{
			DefaultDir:    "$HOME/Downloads",
			MaxConcurrent: 2,
			MaxRetries:    3,
			RetryBackoff:  2 * time.Second,
		},
		Storage: StorageConfig{
			TasksFile:   "$HOME/.cortexdl/tasks.json",
			HistoryPath: "$HOME/.cortexdl/history.db",
		},
		Tools: ToolsConfig{
			FFmpegBinary: "ffmpeg",
			YtdlpBinary:  "yt-dlp",
			DenoBinary:   "",
		},
		Notification: NotificationConfig{
			Enabled: true,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
			LogsDir:    "$HOME/.cortexdl/logs",
		},
	}
}
