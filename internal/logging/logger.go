// Package logging provides the leveled Logger used across scenetap, backed by
// zap with separate console and file thresholds.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scenetap/internal/config"
)

// Logger is the printf-style interface every component logs through.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// ParseLevel maps DEBUG/INFO/WARN(ING)/ERROR onto zap levels, falling back
// to def for anything else.
func ParseLevel(s string, def zapcore.Level) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return def
	}
}

// ZapLogger implements Logger on a zap.SugaredLogger.
type ZapLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
	file  *os.File
}

// Setup builds the process logger from the logging section. cliLevel, when
// set, overrides the console verbosity.
func Setup(cfg config.Logging, cliLevel string) (*ZapLogger, error) {
	consoleLevel := ParseLevel(cfg.Console.Verbosity, zapcore.InfoLevel)
	if strings.TrimSpace(cliLevel) != "" {
		consoleLevel = ParseLevel(cliLevel, consoleLevel)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder(cfg.Console.Format), zapcore.Lock(os.Stdout), consoleLevel),
	}

	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "scenetap.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		format := cfg.File.Format
		if format == "" {
			format = "json"
		}
		cores = append(cores, zapcore.NewCore(encoder(format), zapcore.AddSync(f),
			ParseLevel(cfg.File.Verbosity, zapcore.InfoLevel)))
	}

	base := zap.New(zapcore.NewTee(cores...))
	return &ZapLogger{base: base, sugar: base.Sugar(), file: file}, nil
}

// New wraps an existing zap logger.
func New(l *zap.Logger) *ZapLogger {
	return &ZapLogger{base: l, sugar: l.Sugar()}
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	if strings.EqualFold(format, "json") {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(ec)
}

func (l *ZapLogger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *ZapLogger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *ZapLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *ZapLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }

// Named returns a child logger tagged with a component name.
func (l *ZapLogger) Named(name string) *ZapLogger {
	base := l.base.Named(name)
	return &ZapLogger{base: base, sugar: base.Sugar()}
}

// Zap exposes the underlying logger for structured call sites.
func (l *ZapLogger) Zap() *zap.Logger { return l.base }

// LogPayload logs prefix followed by payload rendered as a JSON object.
func (l *ZapLogger) LogPayload(level zapcore.Level, prefix string, payload map[string]any) {
	b, err := json.Marshal(payload)
	msg := fmt.Sprintf("%s %v", prefix, payload)
	if err == nil {
		msg = prefix + " " + string(b)
	}
	if ce := l.base.Check(level, msg); ce != nil {
		ce.Write()
	}
}

// Close flushes buffered entries and closes the log file, if any.
func (l *ZapLogger) Close() {
	_ = l.base.Sync()
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }
