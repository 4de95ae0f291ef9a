// Package nodectx bundles the resolved configuration and logger of a
// tsbuild node process into one explicit value, in place of an implicit
// global logger or config singleton (spec §9, SPEC_FULL.md §9.1). The
// packages below cmd/ do not take it: their constructors receive the
// logger and config values as separate arguments.
package nodectx

import (
	"go.uber.org/zap"

	"github.com/yanet-platform/tsbuild/internal/config"
)

// Context is the small, explicit bundle a node's cmd/ entry point builds
// after flags and the config file have been resolved.
type Context struct {
	Config *config.Config
	Log    *zap.SugaredLogger
}

// New constructs a Context. cfg and log must both be non-nil.
func New(cfg *config.Config, log *zap.SugaredLogger) Context {
	return Context{Config: cfg, Log: log}
}
