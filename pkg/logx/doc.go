// Package logx configures banterbot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional ops-channel sink (min-level + rate limiting) that forwards
//     warnings and errors to a chat channel watched by the operator
package logx
