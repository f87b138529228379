// Package logx configures pollsched's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alert sink for warnings (min-level + rate limiting), used to
//     forward job failures to Telegram
package logx
