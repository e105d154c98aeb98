package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gammadia/farmhand/server/flags"
	"github.com/spf13/viper"
)

// Base is a bare logger without attributes. It discards everything until Init is called.
var Base = slog.New(slog.DiscardHandler)

// logger is the daemon logger with default attributes
var logger = Base

// Init builds the daemon loggers from flags, writing to stdout.
func Init() error {
	handler, err := newHandler(os.Stdout, viper.GetString(flags.LogFormat), viper.GetString(flags.LogLevel), viper.GetBool(flags.LogSource))
	if err != nil {
		return err
	}

	Base = slog.New(handler)
	logger = Component("daemon")
	return nil
}

func newHandler(w io.Writer, format, level string, source bool) (slog.Handler, error) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	options := &slog.HandlerOptions{AddSource: source, Level: logLevel}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, options), nil
	case "text":
		return slog.NewTextHandler(w, options), nil
	default:
		return nil, fmt.Errorf("unknown log format '%s'", format)
	}
}

// Component returns a logger for one part of the daemon: controllers, gateways, the HTTP API...
func Component(name string) *slog.Logger {
	return Base.With("component", name)
}

// Proxies for the daemon logger

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}
