// Package logx configures liverelay's structured logging.
//
// A small value-type wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - Journald output free of timestamps (the journal records its own)
//   - File output JSON-structured
package logx
