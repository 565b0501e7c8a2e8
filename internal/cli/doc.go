// Package cli is responsible for parsing command-line arguments, layering
// flags over the loaded configuration, and handling process-level concerns
// like exit codes. Each subcommand drives an app.App.
package cli
