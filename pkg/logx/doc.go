// Package logx is botrelay's structured logging layer on top of zerolog.
//
// Console output is human-readable with a short caller, file output is JSON,
// and an optional alert sink forwards warnings to an operator chat at a
// bounded rate. Loggers obtained from a Service follow its Apply calls.
package logx
