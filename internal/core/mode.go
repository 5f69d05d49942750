// Package core is the orchestration layer.  It composes transports,
// the relay proxy and the metrics endpoint into a runnable mode and
// provides a builder that assembles that mode from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  relay  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode of gorelay.  It owns its full
// lifecycle from binding to teardown.
type Mode interface {
	Run(ctx context.Context) error
	// String describes what Run will do, for --dry-run.
	String() string
}
