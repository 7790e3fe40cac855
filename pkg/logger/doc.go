// Package logger builds the structured slog logger shared by the proxy
// binaries.
package logger
