// Package log holds the process wide logger. Packages with their own
// lifecycle take a named sub-logger via Named; short lived call sites
// use the printf style package functions.
package log

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

var logger = hclog.Default().Named("policyflow")

// Init replaces the process logger. Call once at startup before
// anything else logs.
func Init(name string, level string) {
	logger = hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: hclog.LevelFromString(level),
	})
	hclog.SetDefault(logger)
}

func Named(name string) hclog.Logger {
	return logger.Named(name)
}

func Debug(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}
