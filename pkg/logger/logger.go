// Package logger configures the process-wide slog logger.
package logger

import (
	"log/slog"
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	mu sync.Mutex
	zl *zap.Logger
)

// Init builds the handler for cfg and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	if cfg.Env == "" {
		cfg.Env = DetectEnv()
	}
	if cfg.Service == "" {
		cfg.Service = "chat-service"
	}
	cfg.InstanceID = ensureInstanceID(cfg.InstanceID)
	if cfg.Backend == "" {
		if cfg.Env == EnvDev {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var (
		h slog.Handler
		z *zap.Logger
	)
	switch cfg.Backend {
	case BackendZap:
		h, z = newZapHandler(cfg, out)
	default:
		h = newStdHandler(cfg, out)
	}

	l := slog.New(h.WithAttrs(commonAttrs(cfg)))
	slog.SetDefault(l)

	mu.Lock()
	zl = z
	mu.Unlock()
	return l
}

// Sync flushes the zap core, if one is in use.
func Sync() error {
	mu.Lock()
	z := zl
	mu.Unlock()
	if z == nil {
		return nil
	}
	return z.Sync()
}
