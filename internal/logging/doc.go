// Package logging builds the process slog.Logger from the log section of the
// config. Components log through the package-level slog functions once
// main has installed the logger with slog.SetDefault.
package logging
