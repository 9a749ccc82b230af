// Package logx configures automemer's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp + short caller) and file output JSON-structured.
// Warnings and errors can also be forwarded to a chat through the optional
// chat sink (min-level + rate limiting).
package logx
