// Package config parses daemon configuration from environment variables
// with an optional YAML file overlay. Environment always wins over file
// values so containerized deployments can override a baked-in config.
package config
