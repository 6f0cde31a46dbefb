// Package logx configures specrun's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output readable
// (short timestamp and caller) and the run log file JSON-structured.
package logx
