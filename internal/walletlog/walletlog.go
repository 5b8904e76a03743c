// Package walletlog bootstraps the logrus logger shared across the
// peer and sync packages. Grounded on the teacher's
// core/wallet.go globalLogger/SetWalletLogger pair, generalized into a
// constructor so callers (cmd/walletd, tests) can each hold their own
// configured *logrus.Logger instead of mutating one process-wide
// global.
package walletlog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects the logger's level, format, and output destination.
type Config struct {
	// Level is one of logrus's level names (trace, debug, info, warn,
	// error, fatal, panic). Empty defaults to "info".
	Level string

	// JSON selects the JSONFormatter; otherwise TextFormatter is used,
	// matching the teacher's default logrus.New() behavior.
	JSON bool

	// Output defaults to os.Stderr when nil.
	Output io.Writer
}

// New builds a *logrus.Logger from cfg, returning an error if Level
// does not name a known logrus level.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()

	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := logrus.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		return nil, fmt.Errorf("walletlog: parse level %q: %w", levelName, err)
	}
	logger.SetLevel(level)

	if cfg.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		logger.SetOutput(cfg.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger, nil
}
