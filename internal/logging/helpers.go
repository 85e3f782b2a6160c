package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogLevelFromString converts string to LogLevel, defaulting to INFO.
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// LogConfig mirrors the logging section of the YAML configuration.
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
}

// InitializeFromConfig builds a logger for service and installs it globally.
func InitializeFromConfig(service string, logConfig LogConfig) (*Logger, error) {
	logFile := logConfig.LogFile
	if logConfig.EnableFile {
		if logConfig.LogDir != "" {
			if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		if logFile == "" {
			logFile = filepath.Join(logConfig.LogDir, service+".log")
		}
	}

	logger := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		Service:       service,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// Component names for structured logging
const (
	ComponentMain     = "main"
	ComponentHTTP     = "http"
	ComponentStorage  = "storage"
	ComponentMonitor  = "monitor"
	ComponentEviction = "eviction"
	ComponentMetrics  = "metrics"
	ComponentConfig   = "config"
)

// Action names for structured logging
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionRequest    = "request"
	ActionResponse   = "response"
	ActionPut        = "put"
	ActionGet        = "get"
	ActionValidation = "validation"
	ActionSample     = "sample"
	ActionFallback   = "fallback"
	ActionEvict      = "evict"
	ActionSkip       = "skip"
	ActionPressure   = "pressure"
	ActionEmergency  = "emergency"
	ActionCleanup    = "cleanup"
)
