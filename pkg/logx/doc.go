// Package logx provides a small structured logging layer over zerolog.
//
// It exists so core packages can accept a Logger value without binding to a
// concrete sink. The Service supports live reconfiguration (level, console,
// file) without invalidating loggers handed out earlier.
package logx
