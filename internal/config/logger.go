package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a configured Zap logger from Viper settings.
// Reads "logging.level" (debug, info, warn, error; default "info")
// and "logging.format" (json, console; default "json").
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	return BuildLogger(LoggingSettings{
		Level:  v.GetString("logging.level"),
		Format: v.GetString("logging.format"),
	})
}

// BuildLogger creates a stderr logger from an already decoded settings
// snapshot.
func BuildLogger(s LoggingSettings) (*zap.Logger, error) {
	return buildLogger(s, zapcore.Lock(os.Stderr))
}

// buildLogger writes to sink. Output is never sampled: lockout and audit
// failure lines must all survive a burst.
func buildLogger(s LoggingSettings, sink zapcore.WriteSyncer) (*zap.Logger, error) {
	level := s.Level
	if level == "" {
		level = "info"
	}
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var enc zapcore.Encoder
	switch s.Format {
	case "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	case "json", "":
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", s.Format)
	}

	c := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(zapLevel))
	return zap.New(c,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(sink),
		zap.Fields(zap.String("service", "warden")),
	), nil
}
