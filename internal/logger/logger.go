// Package logger builds the process-wide zap logger from configuration.
package logger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sly-net/netbox-remote-authn-ldap-authz/internal/config"
)

// New builds a logger for cfg. Console format is human readable with colored
// levels; json is meant for log shippers. debug forces the debug level.
func New(cfg config.LogConfig, debug bool, service, version string) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if debug {
		level = zapcore.DebugLevel
	}

	var zcfg zap.Config
	switch strings.ToLower(cfg.Format) {
	case "json":
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	if service != "" {
		l = l.With(zap.String("service", service))
	}
	if version != "" {
		l = l.With(zap.String("version", version))
	}
	return l, nil
}

// ParseLevel converts a level name into a zapcore.Level. Empty means info.
func ParseLevel(lvl string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", lvl)
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

type loggerContextKey struct{}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the request-scoped logger stored in ctx, or fallback
// (itself defaulting to a no-op logger) when none is present.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return OrNop(fallback)
}
