// Package config handles application configuration loading and management.
//
// Configuration is stored in ~/.conductor/config.json and covers worker pool
// sizing, scheduling strategy, timeouts, and other engine defaults.
package config
