// Package logging builds the slog loggers used across shuttle. It provides a
// console handler for interactive use, a JSON handler for log files, and the
// attribute helpers the rest of the codebase logs with.
package logging
