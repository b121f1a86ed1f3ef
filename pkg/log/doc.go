// Package log provides the machine-readable trace of a dotfleet session.
//
// It is separate from operational logging (slog): the trace records every
// frame exchanged with sensors, every state change of the fleet and of each
// device, sync round outcomes and errors, so a session can be replayed and
// analysed afterwards with the dotfleet-log tool.
//
// # Basic Usage
//
//	// Console while developing
//	cfg.Trace = log.NewSlogAdapter(slog.Default())
//
//	// File for later analysis
//	cfg.Trace, _ = log.NewFileLogger("/var/lib/dotfleet/session.flog")
//
//	// Both
//	cfg.Trace = log.NewMultiLogger(console, file)
//
// # File Format
//
// Trace files are a stream of CBOR-encoded Events with integer keys and the
// .flog extension.
package log
