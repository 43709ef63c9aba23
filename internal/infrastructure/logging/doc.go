// Package logging provides structured logging using uber/zap.
//
// Production mode emits JSON for machine parsing; development mode
// emits colored console output. Loggers are cheap to derive with
// Named, so each subsystem carries its own scope.
package logging
