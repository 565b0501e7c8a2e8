// Package config defines the runtime configuration of blockflow and how it
// is assembled. Values are layered, each layer overriding the previous one:
//
//  1. built-in defaults (Default)
//  2. an optional YAML file
//  3. optional .env files, which only fill variables not already set
//  4. BLOCKFLOW_* environment variables
//
// Command-line flags are applied on top by the cli package. Validate is
// called once everything is merged.
package config
