// Package pool owns the configured upstream targets and their health.
//
// Selection runs concurrently under a read lock; outcome reports take the
// write lock so that a health transition is decided and announced exactly
// once. Targets are created at startup and live for the whole process.
package pool
