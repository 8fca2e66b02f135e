// Package log wires structured logging the way harmony's utils.Logger()
// does (zerolog + lumberjack rotation), but without a hidden package-level
// singleton: New() is called once in cmd/dsnode and the *Logger is threaded
// through Mediator, per DESIGN NOTES' "no global services" guidance.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a thin zerolog wrapper. Its State and Epoch helpers stamp their
// records with the [epochNum, nodeIp, stateTag] fields of spec.md section
// 7's LOG_STATE / LOG_EPOCH convention; other records carry only a timestamp
// and whatever fields the caller adds.
type Logger struct {
	base zerolog.Logger
}

// Config controls where log output goes.
type Config struct {
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

// New constructs a Logger. When cfg.FilePath is empty, output goes to
// stderr only (suitable for tests and ad-hoc runs).
func New(cfg Config) *Logger {
	var writers []io.Writer
	if cfg.Console || cfg.FilePath == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if cfg.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		})
	}
	mw := zerolog.MultiLevelWriter(writers...)
	return &Logger{base: zerolog.New(mw).With().Timestamp().Logger()}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// With returns a sub-logger tagged with a component name, e.g. "ds", "node",
// "consensus" — the scoped-sub-logger idiom ipfs/go-log and harmony both use.
func (l *Logger) With(component string) zerolog.Logger {
	return l.base.With().Str("component", component).Logger()
}

// State emits a LOG_STATE record: [epochNum, nodeIp, stateTag].
func (l *Logger) State(epochNum uint64, nodeIP, stateTag string) {
	l.base.Info().
		Uint64("epoch", epochNum).
		Str("node_ip", nodeIP).
		Str("state", stateTag).
		Msg("LOG_STATE")
}

// Epoch emits a LOG_EPOCH record.
func (l *Logger) Epoch(epochNum uint64, nodeIP, note string) {
	l.base.Info().
		Uint64("epoch", epochNum).
		Str("node_ip", nodeIP).
		Msg("LOG_EPOCH: " + note)
}
