package main

import (
	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/config"
	"github.com/mcpconnect/mcpconnect-go/internal/logs"
)

// newCLILogger builds a console-only logger for one-shot subcommands so their
// output is not interleaved with file logging from a running daemon.
func newCLILogger() (*zap.Logger, error) {
	logCfg := &config.LogConfig{
		Level:         logLevel,
		EnableConsole: true,
	}
	return logs.SetupLogger(logCfg)
}
