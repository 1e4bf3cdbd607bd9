// Package logx configures fleetd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A rate-limited ring of recent warnings for the debug /status endpoint
package logx
