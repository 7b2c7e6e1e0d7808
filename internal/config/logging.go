package config

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger 按日志配置构建logger
func NewLogger(cfg LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(parsed)

	switch cfg.Format {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid logging.format %q", cfg.Format)
	}

	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(out)

	return logger, nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
		}
		return f, nil
	}
}
