// Package registry maps block names to the Go functions that execute them.
//
// Modules add their blocks through Register at startup. Lookups happen per
// node execution, so the table is read-mostly and safe for concurrent use.
package registry
