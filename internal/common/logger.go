package common

import (
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the global logger, initializing a console fallback if
// SetupLogger hasn't run yet. Components should receive a logger through
// their constructor; this exists for the rare package-level helper that
// can't take one.
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		defer loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(writerConfig(nil, models.LogWriterTypeConsole))
		globalLogger.Warn().Msg("logger used before SetupLogger ran - falling back to console")
	}
	return globalLogger
}

// SetupLogger configures the process-wide logger from Config and stores it
// as the global singleton.
func SetupLogger(cfg *Config) arbor.ILogger {
	logger := arbor.NewLogger()

	hasFile, hasConsole := false, false
	for _, out := range cfg.Logging.Output {
		switch out {
		case "file":
			hasFile = true
		case "stdout", "console":
			hasConsole = true
		}
	}

	if hasFile {
		logger = logger.WithFileWriter(writerConfigFile(cfg, cfg.Logging.FilePath))
	}
	if hasConsole || !hasFile {
		logger = logger.WithConsoleWriter(writerConfig(cfg, models.LogWriterTypeConsole))
	}

	logger = logger.WithLevelFromString(cfg.Logging.Level)

	loggerMutex.Lock()
	globalLogger = logger
	loggerMutex.Unlock()

	return logger
}

func writerConfig(cfg *Config, t models.LogWriterType) models.WriterConfiguration {
	timeFormat := "15:04:05.000"
	if cfg != nil && cfg.Logging.TimeFormat != "" {
		timeFormat = cfg.Logging.TimeFormat
	}
	return models.WriterConfiguration{
		Type:       t,
		TimeFormat: timeFormat,
	}
}

func writerConfigFile(cfg *Config, path string) models.WriterConfiguration {
	wc := writerConfig(cfg, models.LogWriterTypeFile)
	wc.FileName = path
	wc.MaxSize = 100 * 1024 * 1024
	wc.MaxBackups = 3
	return wc
}
