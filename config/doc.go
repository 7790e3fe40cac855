// Package config loads the proxy configuration from a YAML file, PROXY_*
// environment variables and command-line flags, in increasing order of
// precedence, and validates the result before anything is started.
package config
