// Package logx configures adbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// Loggers created from a Service stay "live": Service.Apply() swaps sinks
// and levels at runtime without the holders noticing.
package logx
